package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{
			name:  "keys sorted recursively",
			input: map[string]any{"z": map[string]any{"y": "foo", "x": "bar"}, "a": 1},
			want:  `{"a":1,"z":{"x":"bar","y":"foo"}}`,
		},
		{
			name:  "no html escaping",
			input: map[string]string{"memo": "<b>tips & tricks</b>"},
			want:  `{"memo":"<b>tips & tricks</b>"}`,
		},
		{
			name:  "json number kept exact",
			input: map[string]any{"amount": json.Number("299.5")},
			want:  `{"amount":299.5}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JCS(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestJCS_CartPayloadPreservesItemOrder(t *testing.T) {
	type item struct {
		ServiceID string `json:"service_id"`
		Quantity  int64  `json:"quantity"`
	}
	type payload struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Items []item `json:"items"`
	}

	got, err := JCS(payload{
		Type:  "cart",
		ID:    "m-1",
		Items: []item{{ServiceID: "svc-2", Quantity: 1}, {ServiceID: "svc-1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"m-1","items":[{"quantity":1,"service_id":"svc-2"},{"quantity":2,"service_id":"svc-1"}],"type":"cart"}`,
		string(got))
}

func TestTransform_RejectsInvalidJSON(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"business_id":"acme","amount":"5.00"}`), "m-1")
	b := Fingerprint([]byte(`{ "amount": "5.00", "business_id": "acme" }`), "m-1")
	assert.Equal(t, a, b, "key order and whitespace must not matter")

	assert.NotEqual(t, a, Fingerprint([]byte(`{"business_id":"acme","amount":"5.00"}`), "m-2"))
	assert.NotEqual(t, a, Fingerprint([]byte(`{"business_id":"acme","amount":"6.00"}`), "m-1"))

	// Scope values are delimited, not concatenated.
	assert.NotEqual(t, Fingerprint(nil, "ab", "c"), Fingerprint(nil, "a", "bc"))

	assert.Len(t, Fingerprint([]byte("not json")), 64)
}
