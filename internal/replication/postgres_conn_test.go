package replication

import (
	"reflect"
	"testing"
)

func TestDefaultPluginArgsQuotePublication(t *testing.T) {
	cases := map[string]string{
		"orders_pub":     "publication_names 'orders_pub'",
		"o'brien":        "publication_names 'o''brien'",
		"x', binary 'on": "publication_names 'x'', binary ''on'",
	}
	for publication, want := range cases {
		got := defaultPluginArgs(publication)
		if !reflect.DeepEqual(got, []string{"proto_version '1'", want}) {
			t.Fatalf("publication %q: got %v", publication, got)
		}
	}
}
