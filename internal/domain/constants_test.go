package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/identity-service/internal/domain"
)

func TestIsValidOperationClass(t *testing.T) {
	tests := []struct {
		name string
		c    domain.OperationClass
		want bool
	}{
		{name: "send", c: domain.OpSend, want: true},
		{name: "verify", c: domain.OpVerify, want: true},
		{name: "login_link", c: "login_link", want: true},
		{name: "empty", c: "", want: false},
		{name: "SEND is case-sensitive", c: "SEND", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsValidOperationClass(tt.c))
		})
	}
}

func TestLifecycleDefaults(t *testing.T) {
	assert.Less(t, domain.DefaultOTPResendWait, domain.DefaultOTPExpiry,
		"resend must become eligible before the record expires")
	assert.GreaterOrEqual(t, domain.DefaultOTPLength, domain.MinOTPLength)
	assert.LessOrEqual(t, domain.DefaultOTPLength, domain.MaxOTPLength)
}
