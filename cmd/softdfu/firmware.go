package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

// loadFirmware reads a firmware image, decompressing files ending in .xz.
func loadFirmware(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read firmware: %w", err)
	}
	if !strings.HasSuffix(strings.ToLower(path), ".xz") {
		return data, nil
	}

	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not open xz stream: %w", err)
	}
	image, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decompress firmware: %w", err)
	}
	return image, nil
}

// progressBar prints download progress on one terminal line.
func progressBar(w io.Writer) func(sent, total int) {
	return func(sent, total int) {
		fmt.Fprintf(w, "\rdownloading: %d/%d bytes (%d%%)", sent, total, sent*100/total)
		if sent == total {
			fmt.Fprintln(w)
		}
	}
}
