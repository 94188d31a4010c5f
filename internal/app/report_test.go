package app

import (
	"bytes"
	"testing"
	"time"

	"printrestore/internal/checkpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeCheckpoint(t *testing.T) {
	pos := int64(1234567)
	t1 := 210.0
	cp := &checkpoint.Checkpoint{
		FileName:    "vase.gcode",
		FilePos:     &pos,
		Path:        "prints/vase.gcode",
		BedTarget:   60,
		Tool0Target: 200,
		Tool1Target: &t1,
		Position:    checkpoint.Position{"Z": "12.2", "X": "10", "T": "1", "W": "3"},
		Babystep:    0.05,
	}

	var buf bytes.Buffer
	require.NoError(t, DescribeCheckpoint(&buf, cp, time.Time{}))
	out := buf.String()

	assert.Contains(t, out, "vase.gcode")
	assert.Contains(t, out, "prints/vase.gcode")
	assert.Contains(t, out, "1,234,567 (1.2 MiB)")
	assert.Contains(t, out, "210°C")
	assert.Contains(t, out, "X=10 Z=12.2 T=1 W=3")
	assert.Contains(t, out, "0.05 mm")
	assert.Contains(t, out, "restorable")
	assert.NotContains(t, out, "Saved")
}

func TestDescribeCheckpoint_Sentinel(t *testing.T) {
	pos := int64(0)
	cp := &checkpoint.Checkpoint{FileName: checkpoint.NoFile, FilePos: &pos, Position: checkpoint.Position{"Z": "1"}}

	var buf bytes.Buffer
	require.NoError(t, DescribeCheckpoint(&buf, cp, time.Now()))
	assert.Contains(t, buf.String(), "no active job recorded")
	assert.Contains(t, buf.String(), "Saved")
}

func TestWriteHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(&buf, nil))
	assert.Equal(t, "No restore attempts recorded\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteHistory(&buf, []*checkpoint.Attempt{
		{Status: "restored", FileName: "cube.gcode", FilePos: 4096, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{Status: "printer_busy", CreatedAt: time.Now()},
	}))
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "restored")
	assert.Contains(t, out, "4,096")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "printer_busy")
}
