package shipchat

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVesselTable(t *testing.T) {
	v, ok := VesselByID("vessel-1")
	require.True(t, ok)
	assert.Equal(t, "pacific-glory-team", v.TeamName)
	assert.Equal(t, "Pacific Glory チーム", v.TeamDisplayName)

	back, ok := VesselForTeam("pacific-glory-team")
	require.True(t, ok)
	assert.Equal(t, "vessel-1", back.VesselID)

	_, ok = VesselByID("vessel-99")
	assert.False(t, ok)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "pacific-glory", slugify("Pacific Glory チーム"))
	assert.Equal(t, "ocean-harmony", slugify("  Ocean   Harmony!  "))
	assert.Equal(t, "", slugify("チーム"))
	assert.Equal(t, "deck-2", slugify("Deck 2"))
}

func TestGetOrCreateTeamUnmappedVessel(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	_, err := GetOrCreateTeam(context.Background(), c, "vessel-99")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGetOrCreateTeamExistingTeam(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	team := Team{ID: "t1", Name: "pacific-glory-team", DisplayName: "Pacific Glory チーム", Type: TeamInvite}
	f.handle("GET /api/v4/teams/name/pacific-glory-team", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, team)
	})
	f.handle("POST /api/v4/teams/t1/members", func(w http.ResponseWriter, r *http.Request) {
		// Already a member: conflict counts as success.
		writeAPIError(w, http.StatusConflict, "api.team.add_member.exists", "already a member")
	})
	// Default channels exist already.
	f.handle("GET /api/v4/teams/t1/channels/name/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Channel{ID: "cx", TeamID: "t1"})
	})

	got, err := GetOrCreateTeam(context.Background(), c, "vessel-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestGetOrCreateTeamCreatesAndProvisions(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	var createdChannels []string
	f.handle("GET /api/v4/teams/name/pacific-glory-team", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "store.sql_team.get_by_name.missing", "team not found")
	})
	f.handle("POST /api/v4/teams", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, decodeBody(r, &body))
		assert.Equal(t, "pacific-glory-team", body["name"])
		assert.Equal(t, "Pacific Glory チーム", body["display_name"])
		writeJSON(w, http.StatusCreated, Team{ID: "t1", Name: body["name"], DisplayName: body["display_name"]})
	})
	f.handle("POST /api/v4/teams/t1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"team_id": "t1", "user_id": "u1"})
	})
	f.handle("GET /api/v4/teams/t1/channels/name/", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "", "no such channel")
	})
	f.handle("POST /api/v4/channels", func(w http.ResponseWriter, r *http.Request) {
		var ch Channel
		require.NoError(t, decodeBody(r, &ch))
		createdChannels = append(createdChannels, ch.Name)
		ch.ID = "c-" + ch.Name
		writeJSON(w, http.StatusCreated, ch)
	})

	team, err := GetOrCreateTeam(context.Background(), c, "vessel-1")
	require.NoError(t, err)
	assert.Equal(t, "pacific-glory-team", team.Name)
	assert.Equal(t, []string{
		"pacific-glory-general",
		"pacific-glory-operations",
		"pacific-glory-maintenance",
	}, createdChannels, "deterministic channel slugs from the display name")
}

func TestGetOrCreateTeamPermissionFallbackExactMatch(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	f.handle("GET /api/v4/teams/name/pacific-glory-team", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, "api.team.get.forbidden", "no access")
	})
	f.handle("GET /api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Team{
			{ID: "tx", Name: "other-team", DisplayName: "Other"},
			{ID: "t1", Name: "pacific-glory-team", DisplayName: "Pacific Glory チーム"},
		})
	})

	team, err := GetOrCreateTeam(context.Background(), c, "vessel-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", team.ID)
}

func TestGetOrCreateTeamPermissionFallbackFuzzyMatch(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	f.handle("GET /api/v4/teams/name/pacific-glory-team", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "", "team not found")
	})
	f.handle("POST /api/v4/teams", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, "api.team.create.permissions", "creation not allowed")
	})
	f.handle("GET /api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Team{
			{ID: "t7", Name: "fleet-pacific-glory", DisplayName: "Fleet PG"},
		})
	})

	team, err := GetOrCreateTeam(context.Background(), c, "vessel-1")
	require.NoError(t, err)
	assert.Equal(t, "t7", team.ID, "slug-fragment fuzzy match")
}

func TestGetOrCreateTeamPermissionDeniedNoMatch(t *testing.T) {
	f := newFakeServer(t)
	c := loggedInClient(t, f)

	f.handle("GET /api/v4/teams/name/pacific-glory-team", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, "", "no access")
	})
	f.handle("GET /api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Team{{ID: "tx", Name: "unrelated", DisplayName: "Unrelated"}})
	})

	_, err := GetOrCreateTeam(context.Background(), c, "vessel-1")
	var denied *PermissionError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Message, "Pacific Glory チーム", "message names the required team")
}
