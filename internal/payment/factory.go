package payment

import (
	"fmt"
	"strings"
)

// NewProcessor selects the backend named by processorType. It is called once at startup.
func NewProcessor(processorType string, gateway Gateway, faucet Faucet, units Units) (Processor, error) {
	if gateway == nil {
		return nil, fmt.Errorf("payment.new_processor: gateway is required")
	}
	switch strings.ToUpper(strings.TrimSpace(processorType)) {
	case "", BackendIOTA:
		return NewIOTAProcessor(gateway, faucet, units), nil
	case BackendERC20:
		return NewEthereumProcessor(gateway, units), nil
	case BackendFiat:
		return nil, fmt.Errorf("payment.new_processor: %w", ErrFiatNotImplemented)
	default:
		return nil, fmt.Errorf("payment.new_processor.%s: %w", processorType, ErrUnsupportedProcessor)
	}
}

// NormalizeBackend maps the configured processor type to a backend name.
func NormalizeBackend(processorType string) string {
	normalized := strings.ToUpper(strings.TrimSpace(processorType))
	if normalized == "" {
		return BackendIOTA
	}
	return normalized
}
