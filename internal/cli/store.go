package cli

import (
	"errors"

	"ratecore/internal/app"
	"ratecore/internal/config"
	"ratecore/internal/storage"
	logx "ratecore/pkg/logx"
)

var errNoStorage = errors.New("storage is not configured (add a storage section to the config)")

func openStore() (storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(flagConfig).Parse()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, errNoStorage
	}
	return st, cfg, nil
}
