package entitlement

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog maps entitlement roles to the provider's price IDs. Two
// prices exist: the base subscription and the additional-account
// add-on.
type Catalog struct {
	BasePriceID  string `yaml:"base_price_id" env:"BILLING_BASE_PRICE_ID"`
	AddonPriceID string `yaml:"addon_price_id" env:"BILLING_ADDON_PRICE_ID"`
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, errors.Join(ErrInvalidCatalog, err)
	}

	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, errors.Join(ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks that both prices are configured and distinct.
func (c Catalog) Validate() error {
	if c.BasePriceID == "" || c.AddonPriceID == "" {
		return errors.Join(ErrInvalidCatalog, errors.New("both price IDs are required"))
	}
	if c.BasePriceID == c.AddonPriceID {
		return errors.Join(ErrInvalidCatalog, errors.New("base and addon price IDs must differ"))
	}
	return nil
}

// PriceFor returns the provider price ID for a role.
func (c Catalog) PriceFor(role Role) (string, error) {
	switch role {
	case RoleBase:
		return c.BasePriceID, nil
	case RoleAddon:
		return c.AddonPriceID, nil
	default:
		return "", errors.Join(ErrInvalidCatalog, fmt.Errorf("unknown role %q", role))
	}
}

// RoleFor classifies a provider price ID, falling back to the hint for
// prices the catalog does not know (e.g. a legacy price still attached
// to an old subscription).
func (c Catalog) RoleFor(priceID string, hint Role) Role {
	switch priceID {
	case c.BasePriceID:
		return RoleBase
	case c.AddonPriceID:
		return RoleAddon
	}
	if hint == RoleBase || hint == RoleAddon {
		return hint
	}
	return RoleBase
}
