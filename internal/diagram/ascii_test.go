package diagram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearProcess(), nil)
	require.NoError(t, err)

	out := RenderASCII(model)
	require.True(t, strings.HasPrefix(out, "=== ETL Pipeline ===\n\n"))
	for _, r := range []string{boxTopLeft, boxTopRight, boxBottomLeft, boxBottomRight, boxVertical, arrowDown} {
		assert.Contains(t, out, r)
	}
	for _, label := range []string{"Start", "fetch", "transform", "store", "End"} {
		assert.Contains(t, out, boxVertical+" "+label)
	}
	// Unlabelled finish-to-start edges add no legend lines.
	assert.NotContains(t, out, arrowRight)
}

func TestBox_EqualWidthLines(t *testing.T) {
	lines := box([]string{"deploy", "[OK]", "1200ms"})
	require.Len(t, lines, 5)
	assert.Equal(t, "┌────────┐", lines[0])
	assert.Equal(t, "│ [OK]   │", lines[2])
	for _, l := range lines {
		assert.Equal(t, 10, utf8.RuneCountInString(l))
	}
}

func TestWriteRow_PadsShortBoxes(t *testing.T) {
	var b strings.Builder
	writeRow(&b, [][]string{box([]string{"a", "[OK]"}), box([]string{"b"})})

	rows := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	require.Len(t, rows, 4)
	assert.Equal(t, "└──────┘  "+strings.Repeat(" ", 5), rows[3])
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "succeeded", DurationMs: 100}},
			{ID: "b", Label: "step-b", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "failed", RetryCount: 3}},
			{ID: "c", Label: "step-c", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "running"}},
			{ID: "d", Label: "step-d", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "ready"}},
			{ID: "e", Label: "step-e", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "f", Label: "step-f", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "pending"}},
			{ID: "g", Label: "step-g", Kind: NodeKindCommand, Status: &StatusOverlay{Status: "cancelled"}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f", "g"}, {"end"}},
	}

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[RUN]")
	assert.Contains(t, output, "[READY]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "[CANCEL]")
	assert.Contains(t, output, "100ms")
	assert.Contains(t, output, "retries: 3")
}

func TestRenderASCIIWithSubgraphs(t *testing.T) {
	model, err := Build(parallelProcess(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- fan-out branches ---")
	assert.Contains(t, output, "  a1\n")
	assert.Contains(t, output, "  b1\n")
}

func TestRenderASCIIBranchLabels(t *testing.T) {
	model, err := Build(conditionProcess(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "decide ─→ deploy [then]")
	assert.Contains(t, output, "decide ─→ notify [else]")
}
