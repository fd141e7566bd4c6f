package shipchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// vessels is the static fleet table. Each vessel id maps to exactly one team
// name; the table is fixed at compile time.
var vessels = []VesselInfo{
	{
		VesselID:        "vessel-1",
		VesselName:      "Pacific Glory",
		CallSign:        "7JPG",
		TeamName:        "pacific-glory-team",
		TeamDisplayName: "Pacific Glory チーム",
	},
	{
		VesselID:        "vessel-2",
		VesselName:      "Ocean Harmony",
		CallSign:        "7JOH",
		TeamName:        "ocean-harmony-team",
		TeamDisplayName: "Ocean Harmony チーム",
	},
	{
		VesselID:        "vessel-3",
		VesselName:      "Northern Star",
		CallSign:        "7JNS",
		TeamName:        "northern-star-team",
		TeamDisplayName: "Northern Star チーム",
	},
}

// Vessels returns the fleet table.
func Vessels() []VesselInfo {
	return append([]VesselInfo(nil), vessels...)
}

// VesselByID looks a vessel up by its domain identifier.
func VesselByID(vesselID string) (VesselInfo, bool) {
	for _, v := range vessels {
		if v.VesselID == vesselID {
			return v, true
		}
	}
	return VesselInfo{}, false
}

// VesselForTeam is the reverse lookup, by team slug.
func VesselForTeam(teamName string) (VesselInfo, bool) {
	for _, v := range vessels {
		if v.TeamName == teamName {
			return v, true
		}
	}
	return VesselInfo{}, false
}

// defaultChannelSuffixes are the channels every vessel team gets.
var defaultChannelSuffixes = []struct {
	suffix      string
	displayName string
}{
	{"general", "General"},
	{"operations", "Operations"},
	{"maintenance", "Maintenance"},
}

// slugify derives a deterministic url-safe slug from a display name. Runs of
// non-alphanumeric characters collapse to single dashes; characters outside
// ASCII are dropped entirely, so "Pacific Glory チーム" slugs to
// "pacific-glory".
func slugify(displayName string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// GetOrCreateTeam resolves a vessel's team, creating it when it does not
// exist yet, and makes sure the current user is a member with the default
// channel set in place.
//
// When team creation is denied, the user's existing teams are searched for a
// usable match (exact name first, then a fuzzy match on the vessel's display
// name or slug). With no match the PermissionError is terminal: only an
// administrator can create the team.
func GetOrCreateTeam(ctx context.Context, client *Client, vesselID string) (*Team, error) {
	vessel, ok := VesselByID(vesselID)
	if !ok {
		return nil, &NotFoundError{APIError{Message: fmt.Sprintf("unknown vessel %q", vesselID)}}
	}

	team, err := client.GetTeamByName(ctx, vessel.TeamName)
	if err != nil {
		var notFound *NotFoundError
		var denied *PermissionError
		switch {
		case errors.As(err, &notFound):
			team, err = client.CreateTeam(ctx, vessel.TeamName, vessel.TeamDisplayName, TeamInvite)
			if err != nil {
				if errors.As(err, &denied) {
					return findExistingTeam(ctx, client, vessel)
				}
				return nil, err
			}
		case errors.As(err, &denied):
			return findExistingTeam(ctx, client, vessel)
		default:
			return nil, err
		}
	}

	sess := client.Session()
	if sess != nil {
		if err := client.AddTeamMember(ctx, team.ID, sess.UserID); err != nil && !isConflict(err) {
			var denied *PermissionError
			if !errors.As(err, &denied) {
				return nil, err
			}
			client.log.Debug().Err(err).Str("team", team.Name).Msg("not allowed to self-join team")
		}
	}

	ensureDefaultChannels(ctx, client, team.ID, vessel.TeamDisplayName)
	return team, nil
}

// findExistingTeam is the authorization-denied fallback: among the teams the
// user already belongs to, pick an exact slug match, then a fuzzy match on
// the vessel display name or slug fragment.
func findExistingTeam(ctx context.Context, client *Client, vessel VesselInfo) (*Team, error) {
	teams, err := client.GetMyTeams(ctx)
	if err != nil {
		return nil, err
	}
	for i := range teams {
		if teams[i].Name == vessel.TeamName {
			return &teams[i], nil
		}
	}
	slug := slugify(vessel.TeamDisplayName)
	for i := range teams {
		if strings.Contains(teams[i].DisplayName, vessel.VesselName) ||
			(slug != "" && strings.Contains(teams[i].Name, slug)) {
			return &teams[i], nil
		}
	}
	return nil, &PermissionError{APIError{Message: fmt.Sprintf(
		"not allowed to create team %q; ask an administrator to create it", vessel.TeamDisplayName)}}
}

// ensureDefaultChannels creates the general/operations/maintenance channels
// under the team if they are missing. Channel names are deterministic slugs
// derived from the team display name, so provisioning is idempotent.
// Failures here are never fatal; they are logged and skipped.
func ensureDefaultChannels(ctx context.Context, client *Client, teamID, teamDisplayName string) {
	base := slugify(teamDisplayName)
	for _, def := range defaultChannelSuffixes {
		name := def.suffix
		if base != "" {
			name = base + "-" + def.suffix
		}
		if _, err := client.GetChannelByName(ctx, teamID, name); err == nil {
			continue
		}
		_, err := client.CreateChannel(ctx, Channel{
			TeamID:      teamID,
			Name:        name,
			DisplayName: def.displayName,
			Type:        ChannelOpen,
		})
		if err != nil && !isConflict(err) {
			client.log.Warn().Err(err).Str("channel", name).Msg("default channel provisioning skipped")
		}
	}
}
