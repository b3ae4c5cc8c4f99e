// Package kiosk wires the check-in agent: device store, backend client,
// sensor detection, method selection, and the continuous check-in loop.
package kiosk

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/openrep/kioskgate/internal/kiosk/backend"
	"github.com/openrep/kioskgate/internal/kiosk/loop"
	"github.com/openrep/kioskgate/internal/kiosk/selector"
	"github.com/openrep/kioskgate/internal/kiosk/sensor"
	"github.com/openrep/kioskgate/internal/kiosk/webauthn"
	platformcmd "github.com/openrep/kioskgate/internal/platform/cmd"
	"github.com/openrep/kioskgate/internal/session"
	"github.com/openrep/kioskgate/internal/session/storage/sqlite"
)

// Config holds kiosk agent configuration.
type Config struct {
	BackendURL  string        `env:"KIOSKGATE_BACKEND_URL"  envDefault:"http://localhost:8000"`
	StorePath   string        `env:"KIOSKGATE_STORE_PATH"   envDefault:"kiosk.db"`
	HTTPTimeout time.Duration `env:"KIOSKGATE_HTTP_TIMEOUT" envDefault:"30s"`

	WebAuthn webauthn.Config
}

// ParseConfig loads environment defaults and then parses flags over them.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "gym backend base URL")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "device store sqlite path")
	fs.StringVar(&cfg.WebAuthn.RPID, "rp-id", cfg.WebAuthn.RPID, "WebAuthn relying party id")
	if err := platformcmd.ParseConfigFromArgs(&cfg, fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Deps are the hardware bindings a deployment links in. Zero values mean no
// platform authenticator and no USB enumeration; the selector degrades
// accordingly.
type Deps struct {
	Authenticator webauthn.Authenticator
	Enumerator    sensor.Enumerator
	Vendors       []sensor.Vendor
}

// Run starts the kiosk agent and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	return platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceKiosk, func(ctx context.Context) error {
		return run(ctx, cfg, deps)
	})
}

func run(ctx context.Context, cfg Config, deps Deps) error {
	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	client := backend.New(cfg.BackendURL, &http.Client{Timeout: cfg.HTTPTimeout})
	sessions := session.New(store, client, nil)

	authn := webauthn.New(deps.Authenticator, cfg.WebAuthn)
	detector := sensor.NewDetector(deps.Vendors, deps.Enumerator)
	sel := selector.New(detector, authn, client)
	sel.OnMethodChange(func(method selector.Method) {
		log.Printf("check-in method: %s", method.Kind)
	})

	checkin := loop.New(sel, store, nil)
	checkin.OnEvent(func(event loop.Event) {
		switch event.Type {
		case loop.EventSuccess:
			log.Printf("check-in ok: %s", memberName(event))
		case loop.EventAlreadyCheckedIn:
			log.Printf("already checked in: %s", memberName(event))
		default:
			log.Printf("check-in failed: %s", event.Message)
		}
	})

	method := sel.Initialize(ctx)
	log.Printf("kiosk ready, method %s, backend %s", method.Kind, cfg.BackendURL)

	if available, err := sessions.GetAvailableSessions(ctx); err == nil {
		log.Printf("stored sessions: admin=%t member=%t", available.Admin, available.Member)
	}

	if err := checkin.Restore(ctx); err != nil {
		log.Printf("restore auto mode: %v", err)
	}

	<-ctx.Done()

	// Process shutdown must not flip the persisted auto-mode flag; only an
	// operator's explicit disable does that.
	sel.StopAuthentication()
	return nil
}

func memberName(event loop.Event) string {
	if event.Member == nil {
		return "unknown member"
	}
	return event.Member.Name
}
