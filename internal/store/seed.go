package store

import (
	"context"
	"fmt"

	"pulseboard/api/internal/util"
)

// SeedResult lists what Seed created.
type SeedResult struct {
	Organizations []Organization
	Workspaces    []Workspace
}

// Seed creates a small demo tenant for ownerID: two organizations without
// themes, a workspace each, a few pulse entries and a viewer membership for
// viewerID when given.
func (s *PostgresStore) Seed(ctx context.Context, ownerID, viewerID string) (SeedResult, error) {
	if ownerID == "" {
		return SeedResult{}, fmt.Errorf("seed: owner id is required")
	}

	var result SeedResult
	profiles := []struct{ name, description string }{
		{"Northwind Outfitters", "Outdoor gear cooperative with a focus on alpine expeditions."},
		{"Lumen Analytics", "Data studio building night-sky observation dashboards."},
	}
	for _, profile := range profiles {
		org := Organization{
			ID:          util.NewID("org"),
			OwnerID:     ownerID,
			Name:        profile.name,
			Description: profile.description,
		}
		if err := s.InsertOrganization(ctx, org); err != nil {
			return SeedResult{}, err
		}
		result.Organizations = append(result.Organizations, org)

		workspace := Workspace{ID: util.NewID("ws"), OrganizationID: org.ID, Name: "General"}
		if err := s.InsertWorkspace(ctx, workspace); err != nil {
			return SeedResult{}, err
		}
		result.Workspaces = append(result.Workspaces, workspace)

		entries := []PulseEntry{
			{Kind: PulseKindCreated, Message: "Organization " + org.Name + " created"},
			{Kind: PulseKindWorkspace, Message: "Workspace General created"},
		}
		for _, entry := range entries {
			entry.ID = util.NewID("pl")
			entry.OrganizationID = org.ID
			entry.ActorID = ownerID
			if err := s.InsertPulseEntry(ctx, entry); err != nil {
				return SeedResult{}, err
			}
		}

		if viewerID != "" && viewerID != ownerID {
			if err := s.AddMember(ctx, Membership{OrganizationID: org.ID, UserID: viewerID, Role: "viewer"}); err != nil {
				return SeedResult{}, err
			}
		}
	}
	return result, nil
}
