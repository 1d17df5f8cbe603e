package ado

import (
	"fmt"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

// ToRecord maps a fetched work item onto the local cache record.
// ConnectionID and the local bookkeeping fields are left for the store.
func (c *Client) ToRecord(projectID string, wi WorkItem) (types.WorkItemRecord, error) {
	changed, err := ParseChangedDate(wi.Fields.ChangedDate)
	if err != nil {
		return types.WorkItemRecord{}, fmt.Errorf("work item %d: %w", wi.ID, err)
	}

	rec := types.WorkItemRecord{
		ExternalID:    wi.ID,
		Revision:      wi.Rev,
		ChangedAt:     changed,
		Title:         wi.Fields.Title,
		State:         wi.Fields.State,
		Type:          wi.Fields.WorkItemType,
		AreaPath:      wi.Fields.AreaPath,
		IterationPath: wi.Fields.IterationPath,
		URL:           c.WorkItemURL(projectID, wi.ID),
	}
	if wi.Fields.AssignedTo != nil {
		rec.AssigneeUniqueName = wi.Fields.AssignedTo.UniqueName
	}
	return rec, nil
}

// ToExternalUser maps a team member identity onto an importable user.
func ToExternalUser(id Identity) types.ExternalUser {
	return types.ExternalUser{
		UniqueName:  id.UniqueName,
		DisplayName: id.DisplayName,
		Descriptor:  id.Descriptor,
	}
}
