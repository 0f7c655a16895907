package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"storefront/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	assert.Error(t, err, "weak auth secret must be rejected")

	err = validateSecurityConfig(config.Config{
		AuthSecret:             "0123456789abcdef0123456789abcdef",
		BootstrapAdminUsername: "owner",
		BootstrapAdminPassword: "owner",
	})
	assert.Error(t, err, "short bootstrap password must be rejected")
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:             "0123456789abcdef0123456789abcdef",
		BootstrapAdminUsername: "owner",
		BootstrapAdminPassword: "correct-horse-battery",
	})
	assert.NoError(t, err)
}
