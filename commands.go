package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/issuance"
	"github.com/alapierre/go-hacienda-client/hacienda/qr"
	"github.com/alapierre/go-hacienda-client/hacienda/util"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
	"github.com/alapierre/go-hacienda-client/internal/app"
	"github.com/alapierre/go-hacienda-client/internal/config"
	"github.com/alapierre/go-hacienda-client/internal/server"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// open loads the settings and builds the pipeline. templates may be empty for commands that never
// issue.
func open(ctx context.Context, templates string) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(cfg.Level(util.DebugEnabled()))

	var assembler issuance.Assembler
	if templates != "" {
		set, err := issuance.LoadTemplates(os.DirFS(templates))
		if err != nil {
			return nil, errors.Wrapf(err, "templates in %s", templates)
		}
		assembler = set
	}
	return app.New(ctx, cfg, assembler)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var (
		templates string
		migrate   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx, templates)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
			}

			cfg := a.Settings
			srv := server.New(a.Orchestrator, a.Endpoints,
				server.WithGatherer(a.Registry),
				server.WithHealthCheck(a.Pool.Ping),
				server.WithDefaultCallbackURL(cfg.DefaultCallbackURL),
			)
			go a.RunReconciler(ctx, cfg.ReconcileInterval)

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			logrus.WithFields(logrus.Fields{
				"environment": cfg.Environment,
				"reception":   a.Endpoints.Reception,
				"sequence":    cfg.SequenceBackend,
			}).Info("starting server")
			return srv.Start(ctx, addr, cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout, cfg.ServerShutdownTimeout)
		},
	}
	cmd.Flags().StringVarP(&templates, "templates", "t", "templates", "Directory with <type>.xml.tmpl document templates")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply schema migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Migrate(cmd.Context())
		},
	}
}

func issueCmd() *cobra.Command {
	var (
		templates, company, dataFile, docType, situation, callback string
		issuerType, issuerID, issuerName, activity                 string
		receiverType, receiverID, receiverName                     string
		branch, terminal                                           int
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue one document rendered from a template and JSON data",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(dataFile)
			if err != nil {
				return errors.Wrap(err, "read data")
			}
			var data map[string]any
			if err := json.Unmarshal(raw, &data); err != nil {
				return errors.Wrapf(err, "parse %s", dataFile)
			}

			a, err := open(cmd.Context(), templates)
			if err != nil {
				return err
			}
			defer a.Close()

			req := issuance.Request{
				CompanyID: company,
				Issuer: hacienda.Issuer{
					IdentificationType: hacienda.IdentificationType(issuerType),
					Identification:     issuerID,
					ActivityCode:       activity,
					Name:               issuerName,
				},
				DocumentType: hacienda.DocumentType(docType),
				Branch:       branch,
				Terminal:     terminal,
				Situation:    hacienda.Situation(situation),
				CallbackURL:  callback,
				Data:         data,
			}
			if receiverID != "" {
				req.Receiver = &hacienda.Party{
					IdentificationType: hacienda.IdentificationType(receiverType),
					Identification:     receiverID,
					Name:               receiverName,
				}
			}

			res, err := a.Orchestrator.Issue(cmd.Context(), req)
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&templates, "templates", "t", "templates", "Directory with <type>.xml.tmpl document templates")
	f.StringVarP(&company, "company", "c", "", "Company id in the credential store [required]")
	f.StringVarP(&dataFile, "data", "d", "", "JSON file with the document data [required]")
	f.StringVar(&docType, "type", string(hacienda.Invoice), "Document type code, 01 invoice .. 09 export invoice")
	f.StringVar(&situation, "situation", string(hacienda.Normal), "1 normal, 2 contingency, 3 no internet")
	f.StringVar(&callback, "callback", "", "Callback URL for the authority's verdict")
	f.StringVar(&issuerType, "issuer-type", string(hacienda.Juridical), "Issuer identification type")
	f.StringVar(&issuerID, "issuer-id", "", "Issuer identification [required]")
	f.StringVar(&issuerName, "issuer-name", "", "Issuer name")
	f.StringVar(&activity, "activity", "", "Issuer economic activity code")
	f.StringVar(&receiverType, "receiver-type", string(hacienda.Physical), "Receiver identification type")
	f.StringVar(&receiverID, "receiver-id", "", "Receiver identification")
	f.StringVar(&receiverName, "receiver-name", "", "Receiver name")
	f.IntVar(&branch, "branch", 1, "Branch (sucursal), 0-999")
	f.IntVar(&terminal, "terminal", 1, "Terminal, 0-99999")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("issuer-id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "Query the authority for the verdict of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Orchestrator.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func resubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <key>",
		Short: "Send the stored signed document of a pending record again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Orchestrator.Resubmit(cmd.Context(), args[0])
			if res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over pending records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Reconciler.Reconcile(cmd.Context())
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect document keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <key>",
		Short: "Split a 50-digit key into its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := dockey.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("country       %s\n", p.Country)
			fmt.Printf("date          %s\n", p.Date.Format("2006-01-02"))
			fmt.Printf("issuer        %s\n", p.Identification)
			fmt.Printf("branch        %03d\n", p.Branch)
			fmt.Printf("terminal      %05d\n", p.Terminal)
			fmt.Printf("type          %s %s\n", p.DocumentType, p.DocumentType.RootElement())
			fmt.Printf("consecutive   %s\n", p.Consecutive20())
			fmt.Printf("situation     %s\n", p.Situation)
			fmt.Printf("security code %s\n", p.SecurityCode)
			return nil
		},
	})

	var (
		out, envName string
		size         int
	)
	qrCmd := &cobra.Command{
		Use:   "qr <key>",
		Short: "Write the printable QR code of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var env hacienda.Environment
			if err := env.UnmarshalText([]byte(envName)); err != nil {
				return err
			}
			png, err := qr.KeyPNG(env.Endpoints(), args[0], size)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".png"
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return errors.Wrap(err, "write png")
			}
			fmt.Println(out)
			return nil
		},
	}
	qrCmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default <key>.png)")
	qrCmd.Flags().StringVar(&envName, "env", util.GetEnvOrDefault("HACIENDA_ENV", "staging"), "Authority environment")
	qrCmd.Flags().IntVarP(&size, "size", "s", qr.DefaultSize, "Image size in pixels")
	cmd.AddCommand(qrCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		company string
		logout  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain an access token for a company and print its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := a.Vault.AuthorityCredentials(cmd.Context(), company)
			if err != nil {
				return err
			}
			defer creds.Zero()

			ctx := hacienda.Context(cmd.Context(), creds.IssuerID)
			tok, err := a.Tokens.Token(ctx, creds)
			if err != nil {
				return err
			}
			fmt.Printf("issuer      %s\n", creds.IssuerID)
			fmt.Printf("fingerprint %s\n", auth.Fingerprint(tok.AccessToken))
			fmt.Printf("expires     %s (in %s)\n", tok.ExpiresAt.Format(time.RFC3339), time.Until(tok.ExpiresAt).Round(time.Second))

			if logout && tok.RefreshToken != "" {
				if err := a.AuthClient.Logout(ctx, tok.RefreshToken); err != nil {
					return err
				}
				a.Tokens.Invalidate(creds.IssuerID)
				fmt.Println("session closed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&company, "company", "c", "", "Company id [required]")
	cmd.Flags().BoolVar(&logout, "logout", false, "End the session after printing")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Store sealed company credentials",
	}

	var (
		company, bundleFile, format string
	)
	bundleCmd := &cobra.Command{
		Use:   "bundle",
		Short: "Store the signing certificate bundle; the PIN is read from HACIENDA_BUNDLE_PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(bundleFile)
			if err != nil {
				return errors.Wrap(err, "read bundle")
			}
			pin := []byte(util.GetEnvOrFailed("HACIENDA_BUNDLE_PIN"))

			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			master, err := a.Settings.MasterKey()
			if err != nil {
				return err
			}
			b, err := vault.SealBundle(vault.BundleFormat(strings.ToLower(format)), data, pin, master)
			if err != nil {
				return err
			}
			if err := a.Credentials.PutBundle(cmd.Context(), company, b); err != nil {
				return err
			}
			// a bundle that cannot be opened is caught now rather than at the first issuance
			return a.Vault.WithSigningCredential(cmd.Context(), company, func(c *vault.SigningCredential) error {
				fmt.Printf("stored certificate %s, valid until %s\n", c.Certificate.Subject.CommonName,
					c.Certificate.NotAfter.Format(time.RFC3339))
				return nil
			})
		},
	}
	bundleCmd.Flags().StringVarP(&company, "company", "c", "", "Company id [required]")
	bundleCmd.Flags().StringVarP(&bundleFile, "file", "f", "", "Certificate bundle, .p12 or PEM [required]")
	bundleCmd.Flags().StringVar(&format, "format", string(vault.FormatP12), "Bundle format: p12 or pem")
	_ = bundleCmd.MarkFlagRequired("company")
	_ = bundleCmd.MarkFlagRequired("file")

	var (
		loginCompany, issuerID, username string
	)
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store the ATV login; the password is read from HACIENDA_ATV_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := []byte(util.GetEnvOrFailed("HACIENDA_ATV_PASSWORD"))

			a, err := open(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			master, err := a.Settings.MasterKey()
			if err != nil {
				return err
			}
			l, err := vault.SealLogin(issuerID, username, password, master)
			if err != nil {
				return err
			}
			return a.Credentials.PutLogin(cmd.Context(), loginCompany, l)
		},
	}
	loginCmd.Flags().StringVarP(&loginCompany, "company", "c", "", "Company id [required]")
	loginCmd.Flags().StringVar(&issuerID, "issuer-id", "", "Issuer identification, digits only [required]")
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "ATV user, e.g. cpj-3-101-123456@prod.comprobanteselectronicos.go.cr [required]")
	_ = loginCmd.MarkFlagRequired("company")
	_ = loginCmd.MarkFlagRequired("issuer-id")
	_ = loginCmd.MarkFlagRequired("username")

	cmd.AddCommand(bundleCmd, loginCmd)
	return cmd
}
