// Package catalog holds the journey types built into the stepper binary.
package catalog

import (
	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
)

// JourneyTypes returns every built-in journey type configured by cfg.
func JourneyTypes(cfg config.CatalogConfig, opts ...WebhookOption) ([]*definition.JourneyType, error) {
	webhook, err := NewWebhookDelivery(cfg, opts...).JourneyType()
	if err != nil {
		return nil, err
	}
	return []*definition.JourneyType{webhook}, nil
}
