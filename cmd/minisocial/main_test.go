package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/totegamma/minisocial/internal/config"
)

func TestCheckBootstrap(t *testing.T) {
	memory := config.Config{Server: config.Server{Backend: config.BackendMemory}}
	postgres := config.Config{Server: config.Server{Backend: config.BackendPostgres}}

	assert.Error(t, checkBootstrap(memory, "root"))
	assert.NoError(t, checkBootstrap(memory, ""))
	assert.NoError(t, checkBootstrap(postgres, "root"))
}
