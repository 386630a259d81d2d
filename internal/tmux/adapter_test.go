package tmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWindowsSkipsMainWindow(t *testing.T) {
	output := "@1\tccbot-main\t/home/user\tbash\n" +
		"@2\tmy-project\t/home/user/my-project\tclaude\n"
	windows := parseWindows(output, "ccbot-main")
	require.Len(t, windows, 1)
	require.Equal(t, "@2", windows[0].ID)
	require.Equal(t, "my-project", windows[0].Name)
	require.Equal(t, "claude", windows[0].PaneCmd)
}

func TestParseWindowsSkipsMalformedLines(t *testing.T) {
	windows := parseWindows("not enough fields\n\n@1\tname\t/cwd\tcmd\n", "ccbot-main")
	require.Len(t, windows, 1)
}
