package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	authadapter "github.com/bnema/ag-wakeup/internal/adapters/auth"
	"github.com/bnema/ag-wakeup/internal/adapters/bridge"
	"github.com/bnema/ag-wakeup/internal/adapters/cloudcode"
	"github.com/bnema/ag-wakeup/internal/adapters/gateway"
	"github.com/bnema/ag-wakeup/internal/adapters/langserver"
	verifyrender "github.com/bnema/ag-wakeup/internal/adapters/render/verification"
	"github.com/bnema/ag-wakeup/internal/adapters/repo/jsonfile"
	tomlrepo "github.com/bnema/ag-wakeup/internal/adapters/repo/toml"
	chainstore "github.com/bnema/ag-wakeup/internal/adapters/secrets/chain"
	filestore "github.com/bnema/ag-wakeup/internal/adapters/secrets/file"
	"github.com/bnema/ag-wakeup/internal/application"
	"github.com/bnema/ag-wakeup/internal/config"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/logging"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/spf13/viper"
)

// officialPlanModel is the planModel the official language server expects
// when the cascade config does not carry one.
const officialPlanModel = 1008

type app struct {
	cfg      *viper.Viper
	logger   *slog.Logger
	accounts *application.Service
	groups   *application.GroupService
	wakeup   *application.WakeupService
	verify   *application.VerificationService
	models   *cloudcode.Client
	oauth    *authadapter.Client
	gateway  *gateway.Server
	// newGateway builds a standalone gateway for "agw gateway serve".
	newGateway    func(addr string) *gateway.Server
	renderState   func([]domain.VerificationStateItem, verifyrender.RenderOptions) (string, error)
	renderHistory func([]domain.BatchHistoryRecord, verifyrender.RenderOptions) (string, error)
	openBrowser   func(string) error
	now           func() time.Time
}

func wireApp(stderr io.Writer) (*app, error) {
	v := viper.New()
	if err := config.Load(v, os.Getenv("AG_WAKEUP_CONFIG")); err != nil {
		return nil, err
	}

	logger, err := logging.New(stderr, v.GetString(config.KeyLogLevel), v.GetString(config.KeyLogFormat))
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	repo, err := tomlrepo.NewRepository(v)
	if err != nil {
		return nil, fmt.Errorf("wire account repository: %w", err)
	}
	groupRepo, err := tomlrepo.NewGroupRepository(v)
	if err != nil {
		return nil, fmt.Errorf("wire group repository: %w", err)
	}
	verificationStore, err := jsonfile.NewStore(v)
	if err != nil {
		return nil, fmt.Errorf("wire verification store: %w", err)
	}
	secrets, err := wireSecretStore(v, logger)
	if err != nil {
		return nil, err
	}

	clock := ports.SystemClock{}
	oauth := authadapter.NewClient(authadapter.Config{
		ClientID:     v.GetString(config.KeyOAuthClientID),
		ClientSecret: v.GetString(config.KeyOAuthClientSecret),
		AuthURL:      v.GetString(config.KeyOAuthAuthURL),
		TokenURL:     v.GetString(config.KeyOAuthTokenURL),
	})
	accounts := application.NewService(repo, secrets, oauth, clock, logger)
	groups := application.NewGroupService(repo, groupRepo, clock)

	cc := cloudcode.NewClient(cloudcode.NewBaseURLOrder(config.CloudCodeBaseURLs(v)), cloudcode.WithLogger(logger))

	// The direct backend needs a waker that never routes back into the
	// gateway, so it gets its own legacy-only service.
	legacyOnly := application.NewWakeupService(accounts, accounts, cc, application.WithWakeupLogger(logger))

	manager := langserver.NewManager(langserver.Config{
		BinaryPath:    v.GetString(config.KeyLSBinaryPath),
		AppVersion:    v.GetString(config.KeyLSAppVersion),
		ExtensionPath: v.GetString(config.KeyLSExtensionPath),
		Lang:          os.Getenv("LANG"),
	}, langserver.WithLogger(logger))

	backendName := config.GatewayBackend(v)
	newBackend := func() gateway.Backend {
		if backendName == config.BackendDirect {
			return gateway.NewDirectBackend(legacyOnly.Legacy(), clock, logger)
		}
		return gateway.NewOfficialBackend(manager, accounts, logger)
	}
	newGateway := func(addr string) *gateway.Server {
		return gateway.NewServer(newBackend(), gateway.WithLogger(logger), gateway.WithClock(clock), gateway.WithAddr(addr))
	}
	localGateway := newGateway("127.0.0.1:0")

	bridgeOpts := []bridge.Option{bridge.WithGateway(localGateway), bridge.WithLogger(logger)}
	baseURLOverride := v.GetString(config.KeyGatewayBaseURL)
	if baseURLOverride != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithBaseURL(baseURLOverride))
	}
	if backendName == config.BackendOfficialLS {
		bridgeOpts = append(bridgeOpts, bridge.WithPlanModel(officialPlanModel))
	}
	gatewayClient := bridge.New(accounts, cc, bridgeOpts...)

	wakeupOpts := []application.WakeupOption{
		application.WithGatewayWaker(gatewayClient),
		application.WithTransportMode(func() domain.TransportMode { return config.TransportMode(v) }),
		application.WithWakeupLogger(logger),
	}
	if baseURLOverride == "" && backendName == config.BackendOfficialLS {
		wakeupOpts = append(wakeupOpts, application.WithGatewayPreflight(func() error {
			_, err := manager.BinaryPath()
			return err
		}))
	}
	wakeup := application.NewWakeupService(accounts, accounts, cc, wakeupOpts...)

	return &app{
		cfg:           v,
		logger:        logger,
		accounts:      accounts,
		groups:        groups,
		wakeup:        wakeup,
		verify:        application.NewVerificationService(repo, groups, wakeup, verificationStore, clock, logger),
		models:        cc,
		oauth:         oauth,
		gateway:       localGateway,
		newGateway:    newGateway,
		renderState:   verifyrender.RenderState,
		renderHistory: verifyrender.RenderHistory,
		openBrowser:   openBrowser,
		now:           time.Now,
	}, nil
}

func wireSecretStore(v *viper.Viper, logger *slog.Logger) (ports.SecretStore, error) {
	dir, err := config.SecretsDir(v)
	if err != nil {
		return nil, err
	}
	if v.GetString(config.KeySecretsBackend) == config.SecretsBackendFile {
		return filestore.NewStore(dir), nil
	}
	store, err := chainstore.ForHost(dir, v.GetString(config.KeySecretsPassDir), logger)
	if err != nil {
		return nil, fmt.Errorf("wire secret store chain: %w", err)
	}
	logger.Debug("secret store ready", "backends", store.Names())
	return store, nil
}

// close stops the local gateway if a wakeup started it.
func (a *app) close() {
	if err := a.gateway.Close(); err != nil {
		a.logger.Warn("close local gateway", "error", err)
	}
}
