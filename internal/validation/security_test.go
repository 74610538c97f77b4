package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateArgument(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{"plain flag", "-o", false},
		{"relative package", "./cmd/app", false},
		{"output path", "tmp/devloop/app", false},
		{"semicolon", "build; rm -rf /", true},
		{"pipe", "build | cat /etc/passwd", true},
		{"backtick", "build`whoami`", true},
		{"subshell", "file$(whoami)", true},
		{"traversal", "../../../etc/passwd", true},
		{"absolute path", "/home/user/file", true},
		{"system binary", "/usr/bin/go", false},
		{"null byte", "go\x00rm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgument(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	allowed := map[string]bool{"go": true, "make": true}

	assert.NoError(t, ValidateCommand("go", allowed))
	assert.NoError(t, ValidateCommand("make", allowed))
	assert.Error(t, ValidateCommand("", allowed))
	assert.Error(t, ValidateCommand("rm", allowed))
	assert.Error(t, ValidateCommand("go; rm", allowed))
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"tmp/devloop", false},
		{".devloop", false},
		{"./bin/app", false},
		{"a/../b", false},
		{"", true},
		{"../outside", true},
		{"/etc/passwd", true},
		{"/proc/self", true},
		{"out;rm", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	hosts := []string{"localhost", "127.0.0.1:8080"}

	assert.NoError(t, ValidateOrigin("http://localhost:3000", hosts))
	assert.NoError(t, ValidateOrigin("http://127.0.0.1:8080", hosts))
	assert.Error(t, ValidateOrigin("", hosts))
	assert.Error(t, ValidateOrigin("file://localhost", hosts))
	assert.Error(t, ValidateOrigin("https://evil.example", hosts))
}
