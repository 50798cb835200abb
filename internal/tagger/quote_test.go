package tagger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellJoin(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{name: "plain", argv: []string{"grants-tagger", "train", "bertmesh"}, want: "grants-tagger train bertmesh"},
		{name: "empty arg", argv: []string{"train", "bertmesh", "", "data/x"}, want: `train bertmesh "" data/x`},
		{name: "space", argv: []string{"echo", "a b"}, want: "echo 'a b'"},
		{name: "single quote", argv: []string{"echo", "it's"}, want: `echo 'it'"'"'s'`},
		{name: "variable", argv: []string{"echo", "$HOME"}, want: "echo '$HOME'"},
		{name: "safe punctuation", argv: []string{"--train-years", "2016,2017", "5e-05", "a=b:c@d%e+f"}, want: "--train-years 2016,2017 5e-05 a=b:c@d%e+f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellJoin(tt.argv))
		})
	}
}

func TestRedact(t *testing.T) {
	argv := []string{"grants-tagger", "train", "--wandb_api_key", "abc123", "--wandb-api-key=xyz", "--wandb_name", "run"}
	got := Redact(argv)

	assert.Equal(t, []string{"grants-tagger", "train", "--wandb_api_key", "REDACTED", "--wandb-api-key=REDACTED", "--wandb_name", "run"}, got)
	assert.Equal(t, "abc123", argv[3], "input must not be modified")
}

func TestShellJoin_RedactedValuesStayUnquoted(t *testing.T) {
	got := ShellJoin(Redact([]string{"grants-tagger", "train", "--wandb_api_key", "k'ey v", "--wandb-api-key=$SECRET"}))
	assert.Equal(t, "grants-tagger train --wandb_api_key REDACTED --wandb-api-key=REDACTED", got)
}

func TestRedact_TrailingSecretFlagWithoutValue(t *testing.T) {
	assert.Equal(t, []string{"x", "--wandb_api_key"}, Redact([]string{"x", "--wandb_api_key"}))
}
