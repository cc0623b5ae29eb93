package algo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid/pkg/event"
	"grid/pkg/state"
)

func levels(t *testing.T, content string) state.PowerLevels {
	t.Helper()
	var c event.PowerContent
	require.NoError(t, json.Unmarshal([]byte(content), &c))
	return state.NewPowerLevels(c)
}

func TestCheckPowerChange(t *testing.T) {
	base := `{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":10}}`

	tests := []struct {
		name    string
		sender  string
		old     string
		next    string
		allowed bool
	}{
		{"no change", "@alice", base, base, true},
		{
			"lower a subordinate", "@alice", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":0}}`,
			true,
		},
		{
			"raise a subordinate below own level", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":40}}`,
			true,
		},
		{
			"raise a subordinate to own level", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":50}}`,
			false,
		},
		{
			"grant above own level", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":10,"@dave":70}}`,
			false,
		},
		{
			"modify a superior", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":10,"@bob":50,"@carol":10}}`,
			false,
		},
		{
			"modify a peer", "@bob", `{"users":{"@bob":50,"@erin":50}}`,
			`{"users":{"@bob":50,"@erin":10}}`,
			false,
		},
		{
			"raise own level", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":60,"@carol":10}}`,
			false,
		},
		{
			"lower own level", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":20,"@carol":10}}`,
			true,
		},
		{
			"lower own level then grant above it", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"users":{"@alice":100,"@bob":20,"@carol":30}}`,
			false,
		},
		{
			"change threshold within reach", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":40,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":10}}`,
			true,
		},
		{
			"raise threshold beyond reach", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":80,"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":10}}`,
			false,
		},
		{
			"drop a threshold to its default", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"ban":50,"invite":0},"users":{"@alice":100,"@bob":50,"@carol":10}}`,
			false,
		},
		{
			"set event level within reach", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"events":{"g.c.e.message":20},"users":{"@alice":100,"@bob":50,"@carol":10}}`,
			true,
		},
		{
			"set event level beyond reach", "@bob", base,
			`{"def":{"user":0,"state":50},"membership":{"kick":50,"ban":50,"invite":0},"events":{"g.c.e.message":90},"users":{"@alice":100,"@bob":50,"@carol":10}}`,
			false,
		},
		{
			"change event level above sender", "@bob", `{"events":{"g.c.e.topic":90},"users":{"@bob":50}}`,
			`{"events":{"g.c.e.topic":10},"users":{"@bob":50}}`,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := checkPowerChange(tt.sender, levels(t, tt.old), levels(t, tt.next))
			if tt.allowed {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestUnionKeys(t *testing.T) {
	got := unionKeys(map[string]int64{"b": 1, "a": 2}, map[string]int64{"c": 3, "a": 4})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
