package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysense/pkg/config"
	"github.com/nicktill/tinysense/pkg/server"
	"github.com/nicktill/tinysense/pkg/storage"
)

const hashOf123 = "8e628779e6a74ee0b36991c10158f63cafec7d340ad4e075592502c8708524dd"

func TestReadSamples(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		framed      bool
		want        []float32
		wantSkipped int
	}{
		{
			name:  "one per line",
			input: "1\n2\n3\n",
			want:  []float32{1, 2, 3},
		},
		{
			name:  "separators and comments",
			input: "# header\n1.5, 2;3\t4\n\n5 6\n",
			want:  []float32{1.5, 2, 3, 4, 5, 6},
		},
		{
			name:        "garbage is skipped",
			input:       "1\nERR sensor\n2\n",
			want:        []float32{1, 2},
			wantSkipped: 2,
		},
		{
			name:        "non-finite values are skipped",
			input:       "1 NaN\n+Inf 2\n",
			want:        []float32{1, 2},
			wantSkipped: 2,
		},
		{
			name:   "framed ignores boot noise",
			input:  "booting 42\n---START_FILE---\n1\n2\n---END_FILE---\n99\n",
			framed: true,
			want:   []float32{1, 2},
		},
		{
			name:  "unframed still stops at end marker",
			input: "7\n---END_FILE---\n8\n",
			want:  []float32{7},
		},
		{
			name:   "framed without start marker",
			input:  "1\n2\n",
			framed: true,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skipped, err := readSamples(strings.NewReader(tt.input), tt.framed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSkipped, skipped)
		})
	}
}

func TestStreamSamples(t *testing.T) {
	lines, errc := streamSamples(context.Background(), strings.NewReader("1 2\nx\n3\n"), false)

	var got [][]float32
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, [][]float32{{1, 2}, {3}}, got)
	assert.NoError(t, <-errc)
}

func TestStreamSamples_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	lines, _ := streamSamples(ctx, pr, false)

	go pw.Write([]byte("1\n2\n"))
	assert.Equal(t, []float32{1}, <-lines)
	cancel()
	pw.Close()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("sample channel not closed after cancel")
		}
	}
}

func newTestServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := server.New(config.Config{
		Port:     "8080",
		DataDir:  dir,
		RawDir:   filepath.Join(dir, "raw"),
		Registry: config.RegistryMemory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func runAgent(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func onlyMeasurement(t *testing.T, s *server.Server) storage.Measurement {
	t.Helper()
	list, err := s.Pipeline.List(context.Background(), "", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestUploadCommand(t *testing.T) {
	s, url := newTestServer(t)

	out, err := runAgent(t, "1\n2\n3\n", "upload", "--server", url, "--chunk", "2", "--rate", "50", "--meta", "operator=ana")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed: Completed, sha256="+hashOf123)

	m := onlyMeasurement(t, s)
	assert.Equal(t, storage.StatusCompleted, m.Status)
	assert.Equal(t, "hub-01", m.DeviceID)
	assert.Equal(t, "pressure", m.SensorCode)
	assert.Equal(t, 50.0, m.SampleRateHz)
	assert.Equal(t, int64(3), m.SampleCount)
	assert.Equal(t, int64(2), m.ChunkCount)
	assert.Equal(t, "stdin", m.Meta["source"])
	assert.Equal(t, "ana", m.Meta["operator"])
}

func TestUploadCommand_File(t *testing.T) {
	s, url := newTestServer(t)

	path := filepath.Join(t.TempDir(), "dump.txt")
	require.NoError(t, writeFile(path, "noise\n---START_FILE---\n1\n2\n3\n---END_FILE---\n"))

	_, err := runAgent(t, "", "upload", path, "--server", url, "--framed")
	require.NoError(t, err)

	m := onlyMeasurement(t, s)
	assert.Equal(t, path, m.Meta["source"])
	assert.Equal(t, hashOf123, m.ContentHash)
}

func TestUploadCommand_NoSamples(t *testing.T) {
	s, url := newTestServer(t)

	_, err := runAgent(t, "hello\n", "upload", "--server", url)
	require.ErrorIs(t, err, errNoSamples)

	list, err := s.Pipeline.List(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, list, "nothing is started without samples")
}

func TestUploadCommand_BadServer(t *testing.T) {
	_, err := runAgent(t, "1\n", "upload", "--server", "ftp://example")
	require.Error(t, err)
}

func TestStreamCommand(t *testing.T) {
	s, url := newTestServer(t)

	out, err := runAgent(t, "1\n2\n3\n", "stream", "--server", url, "--chunk", "500", "--flush", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, hashOf123)

	m := onlyMeasurement(t, s)
	assert.Equal(t, storage.StatusCompleted, m.Status)
	assert.Equal(t, int64(3), m.SampleCount)
	assert.Equal(t, int64(1), m.ChunkCount)
}

func TestStreamCommand_Empty(t *testing.T) {
	s, url := newTestServer(t)

	_, err := runAgent(t, "", "stream", "--server", url)
	require.NoError(t, err)

	m := onlyMeasurement(t, s)
	assert.Equal(t, storage.StatusCompleted, m.Status)
	assert.Equal(t, int64(0), m.SampleCount)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
