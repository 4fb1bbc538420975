package gclog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestLogger(buf *bytes.Buffer, opts Options) *slog.Logger {
	opts.Start = time.Now().Add(-1500 * time.Millisecond)
	return slog.New(NewHandler(buf, opts))
}

func TestLineFormat(t *testing.T) {
	buf := new(bytes.Buffer)
	log := newTestLogger(buf, Options{})
	log.Info("Pause Young", "gc", 3, "cause", "Allocation Failure", "elapsed", 2500*time.Microsecond)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "[1.5"), line)
	require.Contains(t, line, "s][info][gc] Pause Young gc=3 cause=\"Allocation Failure\" elapsed=2.500ms\n")
}

func TestLevelFilter(t *testing.T) {
	buf := new(bytes.Buffer)
	log := newTestLogger(buf, Options{Level: slog.LevelWarn})
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	log.Error("shown too")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "[warning][gc] shown")
	require.Contains(t, lines[1], "[error][gc] shown too")
}

func TestAttrsAndGroups(t *testing.T) {
	buf := new(bytes.Buffer)
	log := newTestLogger(buf, Options{Level: slog.LevelDebug, Tags: "gc,heap"})
	log.With("gen", "tenured generation").WithGroup("space").Debug("resized", "from", 1, slog.Group("bot", "cards", 4))

	require.Contains(t, buf.String(), `[debug][gc,heap] resized gen="tenured generation" space.from=1 space.bot.cards=4`)
}

func TestColor(t *testing.T) {
	buf := new(bytes.Buffer)
	log := newTestLogger(buf, Options{Color: true})
	log.Info("colored")
	log.Error("failed")

	require.Contains(t, buf.String(), "["+colorBlue+"info"+colorReset+"]")
	require.Contains(t, buf.String(), "["+colorRed+"error"+colorReset+"]")
}

func TestEmptyStringIsQuoted(t *testing.T) {
	buf := new(bytes.Buffer)
	New(buf, slog.LevelInfo, false).Info("msg", "name", "")
	require.Contains(t, buf.String(), `msg name=""`)
}
