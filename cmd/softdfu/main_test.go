package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/boguslaw-wojcik/crc32a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/device/class/dfu/apply"
	hostdfu "github.com/ardnew/softdfu/host/dfu"
)

func firmware(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i ^ i>>8)
	}
	return data
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		bits int
		want uint64
		ok   bool
	}{
		{"0x1209", 16, 0x1209, true},
		{"0XDF11", 16, 0xDF11, true},
		{"4096", 32, 4096, true},
		{"0x10000", 16, 0, false},
		{"df11", 16, 0, false},
		{"", 16, 0, false},
	}
	for _, tt := range tests {
		got, err := parseNumber(tt.in, tt.bits)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLoadFirmware(t *testing.T) {
	dir := t.TempDir()
	image := firmware(5000)

	plain := filepath.Join(dir, "fw.bin")
	require.NoError(t, os.WriteFile(plain, image, 0o644))
	got, err := loadFirmware(plain)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(image)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	compressed := filepath.Join(dir, "fw.bin.xz")
	require.NoError(t, os.WriteFile(compressed, buf.Bytes(), 0o644))
	got, err = loadFirmware(compressed)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	// Not an xz stream
	require.NoError(t, os.WriteFile(compressed, image, 0o644))
	_, err = loadFirmware(compressed)
	assert.Error(t, err)

	_, err = loadFirmware(filepath.Join(dir, "missing.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSimulation(t *testing.T) {
	for _, tolerant := range []bool{true, false} {
		name := "tolerant"
		if !tolerant {
			name = "wait reset"
		}
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "image.bin")
			image := firmware(2100)

			var sent int
			sim := simulation{
				out:      out,
				capacity: 1 << 16,
				tolerant: tolerant,
				progress: func(n, total int) { sent = n },
			}
			img, err := sim.run(context.Background(), image)
			require.NoError(t, err)

			assert.Equal(t, len(image), sent)
			assert.Equal(t, apply.Image{Size: 2100, Checksum: crc32a.Checksum(image), Blocks: 5}, img)

			written, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, image, written)
		})
	}
}

func TestSimulationChecksumMismatch(t *testing.T) {
	image := firmware(600)
	sim := simulation{
		out:         filepath.Join(t.TempDir(), "image.bin"),
		capacity:    1 << 16,
		tolerant:    true,
		checksum:    crc32a.Checksum(image) + 1,
		hasChecksum: true,
	}
	_, err := sim.run(context.Background(), image)

	var derr *hostdfu.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dfu.StatusErrVerify, derr.Status)
}

func TestSimulationTooLarge(t *testing.T) {
	sim := simulation{
		out:      filepath.Join(t.TempDir(), "image.bin"),
		capacity: 1024,
		tolerant: true,
	}
	_, err := sim.run(context.Background(), firmware(1500))

	var derr *hostdfu.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dfu.StatusErrAddress, derr.Status)
}

func TestSimulateCommand(t *testing.T) {
	dir := t.TempDir()
	fw := filepath.Join(dir, "fw.bin")
	out := filepath.Join(dir, "image.bin")
	image := firmware(1000)
	require.NoError(t, os.WriteFile(fw, image, 0o644))

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"simulate", fw, "--out", out, "--log-format", "text"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, stdout.String(), "size:     1000 bytes in 2 blocks")
	assert.Contains(t, stderr.String(), "downloading: 1000/1000 bytes (100%)")

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, image, written)
}
