// Package logging builds the structured logger shared by the service binaries.
package logging

import "go.uber.org/zap"

// NewLogger creates a production zap logger tagged with the binary name.
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	return config.Build()
}
