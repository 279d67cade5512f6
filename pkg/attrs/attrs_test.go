package attrs

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	id "dossier/pkg/domain"
)

func TestExtractString(t *testing.T) {
	applicationID := id.NewApplicationID()

	tests := []struct {
		name string
		args []any
		key  string
		want string
	}{
		{name: "pair", args: []any{"decision", "approved", "reason", "ok"}, key: "reason", want: "ok"},
		{name: "missing", args: []any{"decision", "approved"}, key: "reason", want: ""},
		{name: "stringer", args: []any{"application_id", applicationID}, key: "application_id", want: applicationID.String()},
		{name: "non string value", args: []any{"attempt", 3}, key: "attempt", want: ""},
		{name: "slog attr", args: []any{slog.String("reason", "blurred photo"), "decision", "rejected"}, key: "reason", want: "blurred photo"},
		{name: "last value wins", args: []any{"reason", "first", "reason", "second"}, key: "reason", want: "second"},
		{name: "dangling key", args: []any{"decision", "approved", "reason"}, key: "reason", want: ""},
		{name: "value equal to key is not a key", args: []any{"actor_id", "reason", "x", "y"}, key: "reason", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractString(tt.args, tt.key))
		})
	}
}
