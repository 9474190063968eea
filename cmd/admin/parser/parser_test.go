package parser

import (
	"testing"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected *Command
		wantErr  bool
	}{
		{
			name:     "list",
			input:    "LIST",
			expected: &Command{Type: CmdList},
		},
		{
			name:     "list lowercase",
			input:    "list",
			expected: &Command{Type: CmdList},
		},
		{
			name:     "down with id",
			input:    "DOWN 3.2",
			expected: &Command{Type: CmdDown, ServerID: protocol.NewServerId(3, 2)},
		},
		{
			name:     "info with id",
			input:    "info 1.1",
			expected: &Command{Type: CmdInfo, ServerID: protocol.NewServerId(1, 1)},
		},
		{
			name:     "recovery with blob",
			input:    "RECOVERY 2.5 epoch-9",
			expected: &Command{Type: CmdRecoveryInfo, ServerID: protocol.NewServerId(2, 5), Blob: "epoch-9"},
		},
		{
			name:     "exit",
			input:    "quit",
			expected: &Command{Type: CmdExit},
		},
		{
			name:    "empty",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "list with extra tokens",
			input:   "LIST now",
			wantErr: true,
		},
		{
			name:    "down without id",
			input:   "DOWN",
			wantErr: true,
		},
		{
			name:    "down with bad id",
			input:   "DOWN banana",
			wantErr: true,
		},
		{
			name:    "unknown command",
			input:   "FROB 1.1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.input, err)
			}
			if *got != *tt.expected {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.input, got, tt.expected)
			}
		})
	}
}
