package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const defaultEscrowPrefix = "esc_"

// Escrow is the autonomous install configuration read from the escrow
// config file.
type Escrow struct {
	MinSec    int    `mapstructure:"auto_install_min_sec" validate:"gt=0"`
	MaxSec    int    `mapstructure:"auto_install_max_sec" validate:"gtfield=MinSec"`
	Prefix    string `mapstructure:"escrow_prefix"`
	CompanyID string `mapstructure:"company_id" validate:"required"`
}

// LoadEscrow reads the JSON escrow configuration at path. Callers treat any
// error as "escrow disabled".
func LoadEscrow(path string) (*Escrow, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("escrow_prefix", defaultEscrowPrefix)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read escrow config: %w", err)
	}

	var esc Escrow
	if err := v.Unmarshal(&esc); err != nil {
		return nil, fmt.Errorf("decode escrow config: %w", err)
	}

	if err := validator.New().Struct(&esc); err != nil {
		return nil, fmt.Errorf("validate escrow config: %w", err)
	}

	return &esc, nil
}
