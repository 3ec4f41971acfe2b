package modules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleRoundTripPreservesPassthroughFields(t *testing.T) {
	input := `{
		"title": "Auth",
		"module": "auth",
		"selected": true,
		"submodules": [
			{"title": "Login", "description": "User can log in", "priority": 2, "tags": ["core"]}
		]
	}`
	var module Module
	require.NoError(t, json.Unmarshal([]byte(input), &module))
	require.Equal(t, "Auth", module.Title)
	require.Len(t, module.Submodules, 1)
	require.Equal(t, "Login", module.Submodules[0].Title)
	require.Nil(t, module.Submodules[0].Approved)

	annotated := module.WithSubmodules([]Submodule{module.Submodules[0].WithVerdict(true)})
	encoded, err := json.Marshal(annotated)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, "auth", decoded["module"])
	require.Equal(t, true, decoded["selected"])
	submodules := decoded["submodules"].([]any)
	require.Len(t, submodules, 1)
	sub := submodules[0].(map[string]any)
	require.Equal(t, true, sub["approved"])
	require.Equal(t, float64(2), sub["priority"])
	require.Equal(t, []any{"core"}, sub["tags"])
	require.Equal(t, "User can log in", sub["description"])
}

func TestModuleWithoutSubmodulesEncodesEmptyList(t *testing.T) {
	var module Module
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Empty"}`), &module))
	require.NotNil(t, module.Submodules)

	encoded, err := json.Marshal(Module{Title: "Empty"})
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Empty","submodules":[]}`, string(encoded))
}

func TestSubmoduleRejectsNonObject(t *testing.T) {
	var sub Submodule
	require.Error(t, json.Unmarshal([]byte(`"just a string"`), &sub))
	require.Error(t, json.Unmarshal([]byte(`{"title": 12}`), &sub))
}

func TestWithVerdictDoesNotShareExtra(t *testing.T) {
	original := Submodule{Title: "a", Extra: map[string]json.RawMessage{"k": json.RawMessage(`1`)}}
	annotated := original.WithVerdict(false)
	annotated.Extra["k"] = json.RawMessage(`2`)
	require.Equal(t, json.RawMessage(`1`), original.Extra["k"])
	require.NotNil(t, annotated.Approved)
	require.False(t, *annotated.Approved)
}

func TestRequestDefaults(t *testing.T) {
	req := TestRunRequest{SiteURL: " https://example.com "}.WithDefaults()
	require.Equal(t, "https://example.com", req.SiteURL)
	require.Equal(t, DefaultSessionID, req.SessionID)
	require.Equal(t, DefaultAnchorSessionID, req.AnchorSessionID)
	require.NotNil(t, req.Modules)
	require.NoError(t, req.Validate())

	require.ErrorIs(t, TestRunRequest{}.Validate(), ErrSiteURLRequired)

	custom := TestRunRequest{SiteURL: "x", SessionID: "s-1", AnchorSessionID: "a-1"}.WithDefaults()
	require.Equal(t, "s-1", custom.SessionID)
	require.Equal(t, "a-1", custom.AnchorSessionID)
}

func TestSubmoduleCount(t *testing.T) {
	req := TestRunRequest{Modules: []Module{
		{Submodules: []Submodule{{}, {}}},
		{Submodules: nil},
		{Submodules: []Submodule{{}}},
	}}
	require.Equal(t, 3, req.SubmoduleCount())
}
