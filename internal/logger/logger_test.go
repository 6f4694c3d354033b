package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentSiblingsDoNotStack(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", "text")
	Component(base, "manager").Info("a")
	Component(base, "dispatcher").Info("b")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=manager")
	assert.Contains(t, lines[1], "component=dispatcher")
	assert.NotContains(t, lines[1], "component=manager")
}

func TestNewJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
