package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/securitytheatre/mime/mime"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := mime.Version
	originalCommitSHA := mime.CommitSHA
	originalBuildTime := mime.BuildTime

	t.Cleanup(
		func() {
			mime.Version = originalVersion
			mime.CommitSHA = originalCommitSHA
			mime.BuildTime = originalBuildTime
		},
	)

	mime.Version = "1.0.0"
	mime.CommitSHA = "abc123"
	mime.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		mime.Version,
		mime.CommitSHA,
		mime.BuildTime,
	)
	assert.Equal(t, expected, output)
}
