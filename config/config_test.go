package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/notnil/canhub"
)

const tomlConfig = `
log_level = "debug"
queue_depth = 64
message_limit = 1024

[[bus]]
number = 31

  [[bus.filter]]
  id = 0x15A

  [[bus.filter]]
  id = 0x2A5
  rtr = false

[[bus]]
number = 0
driver = "socketcan"
interface = "can0"
bitrate = 500000
restart_ms = 100
txqueuelen = 128
ids = [0x100, 0x101]
`

const yamlConfig = `
log_level: warn
bus:
  - number: 3
    driver: virtual
    bitrate: 125000
    mode: normal
    filter:
      - id: 0x1ABCDEFF
        extended: true
        mask: 0x1FFFFF00
`

func TestParseTOML(t *testing.T) {
	cfg, err := Parse([]byte(tomlConfig), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, int64(1024), cfg.MessageLimit)
	require.Len(t, cfg.Buses, 2)

	virt := cfg.Buses[0]
	assert.Equal(t, DriverVirtual, virt.Driver)
	assert.Equal(t, ModeLoopback, virt.Mode)
	assert.Equal(t, canhub.BitRate10K, virt.BitRate)
	require.Len(t, virt.Filters, 2)
	assert.Equal(t, canhub.ExactFilter(0x15A, false), virt.Filters[0].Filter())
	assert.Equal(t, canhub.Filter{ID: 0x2A5, IDMask: 0x7FF, IDEMask: true, RTRMask: true}, virt.Filters[1].Filter())

	sock := cfg.Buses[1]
	assert.Equal(t, ModeNormal, sock.Mode)
	bus, err := sock.CANConfig()
	require.NoError(t, err)
	assert.Equal(t, canhub.BusConfig{BitRate: 500000, Mode: canhub.ModeNormal}, bus)
	require.NotNil(t, sock.RestartMs)
	assert.Equal(t, uint32(100), *sock.RestartMs)
	require.NotNil(t, sock.TxQueueLen)
	assert.Equal(t, 128, *sock.TxQueueLen)
	assert.Equal(t, []uint32{0x100, 0x101}, sock.IDs)
	assert.Nil(t, virt.RestartMs)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, zapcore.WarnLevel, cfg.Level())
	assert.Equal(t, canhub.DefaultQueueDepth, cfg.QueueDepth)
	require.Len(t, cfg.Buses, 1)
	f := cfg.Buses[0].Filters[0].Filter()
	assert.Equal(t, canhub.Filter{ID: 0x1ABCDEFF, IDMask: 0x1FFFFF00, IDE: true, IDEMask: true}, f)
	assert.True(t, f.Match(canhub.Frame{ID: 0x1ABCDE00, Extended: true}))
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Parse([]byte(""), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad level":        `log_level = "loud"`,
		"negative depth":   `queue_depth = -1`,
		"number range":     "[[bus]]\nnumber = 32",
		"duplicate number": "[[bus]]\nnumber = 1\n[[bus]]\nnumber = 1",
		"unknown driver":   "[[bus]]\ndriver = \"serial\"",
		"missing iface":    "[[bus]]\ndriver = \"socketcan\"",
		"bad bitrate":      "[[bus]]\nbitrate = 12345",
		"bad mode":         "[[bus]]\nmode = \"silent\"",
		"bad filter":       "[[bus]]\n[[bus.filter]]\nid = 0x20000000\nextended = true",
		"unknown key":      `colour = "blue"`,
		"virtual restart":  "[[bus]]\nrestart_ms = 100",
		"zero txqueuelen":  "[[bus]]\ndriver = \"socketcan\"\ninterface = \"can0\"\ntxqueuelen = 0",
		"wide id":          "[[bus]]\nids = [0x20000000]",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data), FormatTOML)
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("bogus: 1"), FormatYAML)
	assert.Error(t, err)
	_, err = Parse(nil, Format("ini"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "canhub.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(tomlConfig), 0o600))
	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Buses, 2)

	yamlPath := filepath.Join(dir, "canhub.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o600))
	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Buses, 1)

	_, err = Load(filepath.Join(dir, "canhub.ini"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
