package revival

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openjdk/revival/segment"
)

func TestRegisterFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg Config
		app := kingpin.New("test", "")
		cfg.RegisterFlags(app)
		_, err := app.Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})
	t.Run("flags", func(t *testing.T) {
		var cfg Config
		app := kingpin.New("test", "")
		cfg.RegisterFlags(app)
		_, err := app.Parse([]string{"-v", "--wait", "--abort-on-clash", "--jvm-dir", `C:\jdk`, "--rebase-tool", "rebase.exe"})
		require.NoError(t, err)
		assert.Equal(t, Config{
			Verbose:      true,
			Wait:         true,
			AbortOnClash: true,
			JVMDir:       `C:\jdk`,
			RebaseTool:   "rebase.exe",
			LibraryName:  "jvm.dll",
		}, cfg)
	})
	t.Run("environment", func(t *testing.T) {
		t.Setenv("REVIVAL_JVM_DIR", "/opt/jdk")
		t.Setenv("REVIVAL_ABORT_ON_CLASH", "true")
		var cfg Config
		app := kingpin.New("test", "")
		cfg.RegisterFlags(app)
		_, err := app.Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, "/opt/jdk", cfg.JVMDir)
		assert.True(t, cfg.AbortOnClash)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, false)
	level.Debug(logger).Log("msg", "hidden")
	level.Info(logger).Log("msg", "shown", "addr", hexAddr(0x7ffb10000000))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=info msg=shown addr=0x7ffb10000000")
	assert.Contains(t, buf.String(), "ts=")

	buf.Reset()
	level.Debug(NewLogger(&buf, true)).Log("msg", "hidden")
	assert.Contains(t, buf.String(), "level=debug msg=hidden")
}

func TestToolRebaser(t *testing.T) {
	r := ToolRebaser{Tool: "editbin"}
	assert.Equal(t, []string{"editbin", "/NOLOGO", "/REBASE:BASE=0x7ffb10000000", `C:\dump.revival\jvm.dll`},
		r.Command(`C:\dump.revival\jvm.dll`, 0x7ffb10000000))

	r.Tool = "/nonexistent/editbin"
	assert.Error(t, r.Rebase("jvm.dll", 0x1000))
}

func TestConflictErrors(t *testing.T) {
	s := segment.FromFile(0x10000000, 0x1000, 0x2000)
	var err error = &RetryableConflict{Reason: "overlaps stack", Segment: s}
	assert.True(t, IsRetryable(err))
	assert.True(t, IsRetryable(errors.Wrap(err, "revive")))
	assert.Contains(t, err.Error(), "retry")
	assert.Contains(t, err.Error(), "overlaps stack")

	err = &ClashError{Reason: "overlaps code", Segment: s}
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "overlaps code")
}
