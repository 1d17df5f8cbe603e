package ado

import (
	"time"
)

// API constants
const (
	DefaultTimeout = 30 * time.Second
	// MaxBatchSize is the service limit for ids per workitemsbatch call.
	MaxBatchSize = 200
	// MaxQueryResults caps a single WIQL query.
	MaxQueryResults = 20000
	APIVersion      = "7.1"
	pageSize        = 100
)

// Field reference names requested by FetchWorkItems. Only what the local
// cache stores is fetched.
const (
	FieldID            = "System.Id"
	FieldTitle         = "System.Title"
	FieldState         = "System.State"
	FieldWorkItemType  = "System.WorkItemType"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldChangedDate   = "System.ChangedDate"
	FieldAssignedTo    = "System.AssignedTo"
)

var workItemFields = []string{
	FieldID, FieldTitle, FieldState, FieldWorkItemType,
	FieldAreaPath, FieldIterationPath, FieldChangedDate, FieldAssignedTo,
}

// WorkItem represents an Azure DevOps work item.
type WorkItem struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev"`
	URL    string         `json:"url"`
	Fields WorkItemFields `json:"fields"`
}

// WorkItemFields contains the work item field values.
type WorkItemFields struct {
	Title         string    `json:"System.Title"`
	State         string    `json:"System.State"`
	WorkItemType  string    `json:"System.WorkItemType"`
	AreaPath      string    `json:"System.AreaPath"`
	IterationPath string    `json:"System.IterationPath"`
	ChangedDate   string    `json:"System.ChangedDate"`
	AssignedTo    *Identity `json:"System.AssignedTo,omitempty"`
}

// Identity represents an Azure DevOps user identity.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
	Descriptor  string `json:"descriptor,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Project is an Azure DevOps team project.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

// Team is a team inside a project.
type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
}

// TeamMember wraps the identity of one team member.
type TeamMember struct {
	Identity    Identity `json:"identity"`
	IsTeamAdmin bool     `json:"isTeamAdmin,omitempty"`
}

// AreaPath is one area the team owns.
type AreaPath struct {
	Value           string `json:"value"`
	IncludeChildren bool   `json:"includeChildren"`
}

type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

type teamFieldValues struct {
	DefaultValue string     `json:"defaultValue"`
	Values       []AreaPath `json:"values"`
}

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	QueryType string        `json:"queryType"`
	AsOf      string        `json:"asOf"`
	WorkItems []workItemRef `json:"workItems"`
}

type workItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

type batchRequest struct {
	IDs          []int    `json:"ids"`
	Fields       []string `json:"fields"`
	ErrorPolicy  string   `json:"errorPolicy,omitempty"`
	AsOf         string   `json:"asOf,omitempty"`
	ExpandFields string   `json:"$expand,omitempty"`
}
