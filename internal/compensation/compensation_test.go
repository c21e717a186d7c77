package compensation

import (
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

func TestDecide(t *testing.T) {
	full := channels.Capabilities{SupportsEdit: true, SupportsDelete: true}
	none := channels.Capabilities{AcceptedReactions: []string{"👍"}}

	tests := []struct {
		name     string
		op       Operation
		caps     channels.Capabilities
		prevent  bool
		reaction string
		want     Action
	}{
		{"edit supported", OpEdit, full, false, "", Passthrough},
		{"edit unsupported", OpEdit, none, true, "", Fail},
		{"delete supported", OpDelete, full, true, "", Passthrough},
		{"delete unsupported prevent", OpDelete, none, true, "", Notify},
		{"delete unsupported no prevent", OpDelete, none, false, "", Fail},
		{"react accepted", OpReact, none, false, "👍", Passthrough},
		{"react rejected", OpReact, none, true, "😂", Fail},
		{"react any", OpReact, full, false, "😂", Passthrough},
		{"unknown op", Operation("pin"), full, true, "", Fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.op, tt.caps, tt.prevent, tt.reaction); got != tt.want {
				t.Errorf("Decide(%s) = %v, want %v", tt.op, got, tt.want)
			}
		})
	}
}
