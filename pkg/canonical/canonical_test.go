package canonical

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"sorted keys", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"whitespace", "{ \"a\" : [ 1, 2 ,3 ] }", `{"a":[1,2,3]}`},
		{"nested", `{"x":{"z":10,"y":5}}`, `{"x":{"y":5,"z":10}}`},
		{"array order kept", `["b","a"]`, `["b","a"]`},
		{"no html escaping", `{"a":"<b>&"}`, `{"a":"<b>&"}`},
		{"unicode unescaped", `{"a":"é"}`, `{"a":"é"}`},
		{"literals", `{"t":true,"f":false,"n":null}`, `{"f":false,"n":null,"t":true}`},
		{"max int64 kept", `{"p":9223372036854775807}`, `{"p":9223372036854775807}`},
		{"min int64 kept", `{"p":-9223372036854775808}`, `{"p":-9223372036854775808}`},
		{"fraction normalized", `{"p":1.50}`, `{"p":1.5}`},
		{"exponent normalized", `{"p":1e2}`, `{"p":100}`},
		{"negative zero", `{"p":-0}`, `{"p":0}`},
		{"utf16 key order", "{\"\U0001F600\":1,\"\uFB33\":2}", "{\"\U0001F600\":1,\"\uFB33\":2}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transform([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestTransformRejectsInvalid(t *testing.T) {
	_, err := Transform(nil)
	assert.Error(t, err)

	_, err = Transform([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = Transform([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestLargeIntegersStayDistinct(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"max int64", `{"level":9223372036854775807}`},
		{"max int64 minus 511", `{"level":9223372036854775296}`},
		{"beyond int64", `{"level":18446744073709551615}`},
	}

	sums := make(map[string]string)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transform([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.input, string(got))

			sum, err := Sum(json.RawMessage(tt.input))
			require.NoError(t, err)
			_, seen := sums[string(sum)]
			assert.False(t, seen, "digest collides with another level")
			sums[string(sum)] = tt.name
		})
	}
}

func TestMarshalHonoursTags(t *testing.T) {
	v := struct {
		Zeta  string `json:"z"`
		Alpha int    `json:"a"`
	}{Zeta: "last", Alpha: 1}

	got, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":"last"}`, string(got))
}

func TestSumIgnoresKeyOrder(t *testing.T) {
	a, err := Sum(json.RawMessage(`{"a":1,"b":{"c":[1,2]}}`))
	require.NoError(t, err)
	b, err := Sum(json.RawMessage(`{"b":{"c":[1,2]},"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestEncodeDecode(t *testing.T) {
	enc := Encode([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.False(t, strings.HasSuffix(enc, "="))

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, dec)

	dec, err = Decode(enc + "==")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, dec)
}

// reversedObject writes obj with its keys in reverse order and extra spacing
func reversedObject(obj map[string]string) []byte {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var buf bytes.Buffer
	buf.WriteString("{ ")
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(" , ")
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(obj[k])
		buf.Write(kb)
		buf.WriteString(" : ")
		buf.Write(vb)
	}
	buf.WriteString(" }")
	return buf.Bytes()
}

func TestCanonicalProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(keys, values []string) map[string]string {
		obj := make(map[string]string)
		for i := 0; i < len(keys) && i < len(values); i++ {
			obj[keys[i]] = values[i]
		}
		return obj
	}

	properties.Property("canonicalizing twice is byte identical", prop.ForAll(
		func(keys, values []string) bool {
			once, err := Marshal(build(keys, values))
			if err != nil {
				return false
			}
			twice, err := Transform(once)
			if err != nil {
				return false
			}
			return bytes.Equal(once, twice)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("key order does not change the output", prop.ForAll(
		func(keys, values []string) bool {
			obj := build(keys, values)
			sorted, err := Marshal(obj)
			if err != nil {
				return false
			}
			reordered, err := Transform(reversedObject(obj))
			if err != nil {
				return false
			}
			return bytes.Equal(sorted, reordered)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
