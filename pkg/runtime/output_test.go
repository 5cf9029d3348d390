package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutputPlainText(t *testing.T) {
	out := ParseOutput("The playback test passed on all three devices.")
	assert.Equal(t, OutputText, out.Kind)
	assert.Equal(t, "The playback test passed on all three devices.", out.Text)
}

func TestParseOutputLoadSkill(t *testing.T) {
	out := ParseOutput("I need UI tooling for this.\nLOAD SKILL ui_navigation")
	assert.Equal(t, OutputLoadSkill, out.Kind)
	assert.Equal(t, "ui_navigation", out.Target)
}

func TestParseOutputDelegate(t *testing.T) {
	out := ParseOutput("DELEGATE TO report-agent please summarize")
	assert.Equal(t, OutputDelegate, out.Kind)
	assert.Equal(t, "report-agent", out.Target)
}

func TestParseOutputUnloadSkill(t *testing.T) {
	out := ParseOutput("Done with navigation.\nUNLOAD SKILL")
	assert.Equal(t, OutputUnloadSkill, out.Kind)
}

func TestParseOutputDirectiveMustStartLine(t *testing.T) {
	// A directive mentioned mid-sentence is plain text.
	out := ParseOutput("You could LOAD SKILL ui_navigation if needed.")
	assert.Equal(t, OutputText, out.Kind)
}

func TestParseOutputEmptyTargetFallsThrough(t *testing.T) {
	out := ParseOutput("LOAD SKILL ")
	assert.Equal(t, OutputText, out.Kind)
}
