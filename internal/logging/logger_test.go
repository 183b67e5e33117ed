package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, "warn", "json")
	t.Cleanup(Discard)

	WithComponent("block").Info("hidden")
	WithURI("import", "file:a").Warn("shown", "pages", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"uri":"file:a"`)
	assert.Contains(t, out, `"pages":3`)
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, "", "")
	t.Cleanup(Discard)

	WithTxn("engine", "tx-1").Info("commit")
	assert.Contains(t, buf.String(), "txn=tx-1")
	assert.Contains(t, buf.String(), "msg=commit")
}
