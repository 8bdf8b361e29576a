// Package managednebula turns a PocketBase application into the control
// plane for a managed Nebula overlay network.
//
// The plugin owns the certificate authority lifecycle, overlay IP
// allocation, per-node config assembly, and the token surface node agents
// authenticate with. PocketBase supplies everything else: the HTTP server,
// SQLite storage, user auth, and the admin dashboard.
//
// USAGE:
//
//	app := pocketbase.New()
//
//	if err := managednebula.Setup(app, managednebula.DefaultOptions()); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := app.Start(); err != nil {
//	    log.Fatal(err)
//	}
package managednebula

import (
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/certs"
	"github.com/skeeeon/managed-nebula/internal/collections"
	"github.com/skeeeon/managed-nebula/internal/confgen"
	"github.com/skeeeon/managed-nebula/internal/hooks"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/nebulacert"
	"github.com/skeeeon/managed-nebula/internal/routes"
	"github.com/skeeeon/managed-nebula/internal/scheduler"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/tokens"
	"github.com/skeeeon/managed-nebula/internal/versioncache"
)

// Setup registers the control plane on the PocketBase application.
//
// INITIALIZATION SEQUENCE:
// 1. Validate and apply default options
// 2. On bootstrap: create collections, seed the settings singleton and the
//    default IP pool, wire the managers, register record hooks and cron jobs
// 3. On serve: bind the /v1 API routes
func Setup(app *pocketbase.PocketBase, options Options) error {
	options = applyDefaultOptions(options)
	if err := validateOptions(options); err != nil {
		return WrapError(err, "invalid options")
	}

	app.OnBootstrap().BindFunc(func(e *core.BootstrapEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		return initializeComponents(app, options)
	})

	return nil
}

func initializeComponents(app *pocketbase.PocketBase, options Options) error {
	logger := app.Logger()

	if err := collections.NewManager(app).InitializeCollections(); err != nil {
		return WrapError(err, "initialize collections")
	}

	cfg, err := settings.Load(app)
	if err != nil {
		return WrapError(err, "load settings")
	}

	ipamManager := ipam.NewManager(app)
	if err := ipamManager.EnsureDefaultPool(cfg.DefaultCIDRPool); err != nil {
		return WrapError(err, "ensure default pool")
	}

	var runner nebulacert.Runner
	if options.InProcessSigner {
		runner = nebulacert.MemoryRunner{}
	} else {
		runner = &nebulacert.CLIRunner{Binary: options.NebulaCertBinary}
	}

	certManager := certs.NewManager(app, runner)
	certManager.CAValidityDays = options.CAValidityDays
	certManager.ClientCertDays = options.ClientCertDays
	certManager.CAOverlapDays = options.CAOverlapDays
	certManager.CARotateAtDays = options.CARotateAtDays

	builder := confgen.NewBuilder(app, certManager, ipamManager)
	tokenManager := tokens.NewManager(app)
	versions := versioncache.NewFetcher(app)

	api := routes.NewAPI(app, certManager, ipamManager, builder, tokenManager)
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		api.Bind(se)
		return se.Next()
	})

	hooks.NewManager(app).Register()
	scheduler.New(app, certManager, versions).Register()

	if options.LogToConsole {
		logger.Info("managed-nebula initialized",
			"default_pool", cfg.DefaultCIDRPool,
			"cert_version", string(cfg.CertVersion),
			"ca_validity_days", options.CAValidityDays,
			"client_cert_days", options.ClientCertDays,
		)
	}
	return nil
}

func validateOptions(options Options) error {
	if !options.InProcessSigner {
		if err := ValidateRequired(options.NebulaCertBinary, "NebulaCertBinary"); err != nil {
			return err
		}
	}
	if options.CAValidityDays <= 0 {
		return WrapErrorf(ErrInvalidOptions, "CAValidityDays must be positive, got %d", options.CAValidityDays)
	}
	if options.ClientCertDays <= 0 {
		return WrapErrorf(ErrInvalidOptions, "ClientCertDays must be positive, got %d", options.ClientCertDays)
	}
	if options.ClientCertDays > options.CAValidityDays {
		return WrapErrorf(ErrInvalidOptions,
			"ClientCertDays (%d) cannot exceed CAValidityDays (%d)",
			options.ClientCertDays, options.CAValidityDays)
	}
	if options.CAOverlapDays < 0 || options.CARotateAtDays <= 0 {
		return WrapErrorf(ErrInvalidOptions, "overlap and rotation windows must be positive")
	}
	return nil
}
