package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/spf13/cobra"

	modules "github.com/goliatone/go-tenant-modules"
)

// Service is what the commands drive. *modules.ModuleManager satisfies it.
type Service interface {
	ResolveTenant(ctx context.Context, domain string) (modules.Tenant, error)
	Enable(ctx context.Context, tenant modules.Tenant, name string, opts ...modules.OperationOption) error
	Disable(ctx context.Context, tenant modules.Tenant, name string, opts ...modules.OperationOption) error
	IsEnabled(ctx context.Context, tenant modules.Tenant, name string) (bool, error)
	GetEnabledModules(ctx context.Context, tenant modules.Tenant) ([]string, error)
	ListModules(ctx context.Context, tenant modules.Tenant) ([]modules.ModuleStatus, error)
	Delete(ctx context.Context, name string, opts ...modules.OperationOption) error
}

const timeLayout = "2006-01-02 15:04"

// Option customizes the command tree.
type Option func(*app)

// WithActor sets the actor recorded for mutations issued from the CLI.
func WithActor(actor modules.ActorRef) Option {
	return func(a *app) {
		if actor != (modules.ActorRef{}) {
			a.actor = actor
		}
	}
}

type app struct {
	svc   Service
	actor modules.ActorRef
}

// NewRootCommand builds the `module` command tree.
func NewRootCommand(svc Service, opts ...Option) *cobra.Command {
	a := &app{
		svc:   svc,
		actor: modules.ActorRef{ID: "cli", Type: "cli"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	root := &cobra.Command{
		Use:           "module",
		Short:         "Manage which modules are active for which tenant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		a.enableCommand(),
		a.disableCommand(),
		a.statusCommand(),
		a.listCommand(),
		a.deleteCommand(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code. Errors
// are reported as a single line on stderr.
func Execute(ctx context.Context, svc Service, args []string, stdout, stderr io.Writer, opts ...Option) int {
	root := NewRootCommand(svc, opts...)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", message(err))
		return 1
	}
	return 0
}

func (a *app) enableCommand() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a module for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			tenant, err := a.tenant(ctx, domain)
			if err != nil {
				return err
			}

			enabled, err := a.svc.IsEnabled(ctx, tenant, name)
			if err != nil {
				return err
			}
			if enabled {
				cmd.Printf("Module %s is already enabled for %s\n", name, tenant.Domain)
				return nil
			}

			if err := a.svc.Enable(ctx, tenant, name, modules.WithActor(a.actor)); err != nil {
				return err
			}
			cmd.Printf("Module %s enabled for %s\n", name, tenant.Domain)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "tenant domain")
	return cmd
}

func (a *app) disableCommand() *cobra.Command {
	var (
		domain string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a module for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			tenant, err := a.tenant(ctx, domain)
			if err != nil {
				return err
			}

			opts := []modules.OperationOption{modules.WithActor(a.actor)}
			if force {
				opts = append(opts, modules.WithForce())
			}

			if err := a.svc.Disable(ctx, tenant, name, opts...); err != nil {
				return err
			}
			cmd.Printf("Module %s disabled for %s\n", name, tenant.Domain)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "tenant domain")
	cmd.Flags().BoolVar(&force, "force", false, "allow disabling a core module")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	var domain, module string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show module status for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			tenant, err := a.tenant(ctx, domain)
			if err != nil {
				return err
			}

			if module != "" {
				enabled, err := a.svc.IsEnabled(ctx, tenant, module)
				if err != nil {
					return err
				}
				state := "Disabled"
				if enabled {
					state = "Enabled"
				}
				cmd.Printf("Module %s: %s\n", module, state)
				return nil
			}

			names, err := a.svc.GetEnabledModules(ctx, tenant)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				cmd.Printf("No modules enabled for %s\n", tenant.Domain)
				return nil
			}
			cmd.Printf("Enabled modules for %s:\n", tenant.Domain)
			for _, name := range names {
				cmd.Printf("  - %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "tenant domain")
	cmd.Flags().StringVar(&module, "module", "", "module name")
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog modules, with tenant status when --domain is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			tenant := modules.Tenant{}
			if domain != "" {
				var err error
				if tenant, err = a.tenant(ctx, domain); err != nil {
					return err
				}
			}

			statuses, err := a.svc.ListModules(ctx, tenant)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				cmd.Println("No modules found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODULE\tVERSION\tSTATUS\tACTIVATED AT\tLAST BILLED")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.Module.Name,
					s.Module.Version,
					statusLabel(s, tenant.ID != ""),
					formatTime(activatedAt(s)),
					formatTime(lastBilled(s)),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "tenant domain")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	var force, purge bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a module and detach it from every tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			opts := []modules.OperationOption{modules.WithActor(a.actor)}
			if force {
				opts = append(opts, modules.WithForce())
			}
			if purge {
				opts = append(opts, modules.WithPurgeFiles())
			}

			if err := a.svc.Delete(cmd.Context(), name, opts...); err != nil {
				if modules.TextCode(err) == modules.TextCodeModuleInUse {
					return fmt.Errorf("module %s is in use by tenants, use --force to delete it anyway", name)
				}
				return err
			}
			cmd.Printf("Module %s deleted\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even when tenants use the module")
	cmd.Flags().BoolVar(&purge, "purge-files", false, "also remove the module files")
	return cmd
}

func (a *app) tenant(ctx context.Context, domain string) (modules.Tenant, error) {
	if strings.TrimSpace(domain) == "" {
		return modules.Tenant{}, modules.NewValidationError("the --domain option is required")
	}
	tenant, err := a.svc.ResolveTenant(ctx, domain)
	if err != nil {
		return modules.Tenant{}, err
	}
	if tenant.Domain == "" {
		tenant.Domain = domain
	}
	return tenant, nil
}

func statusLabel(s modules.ModuleStatus, scoped bool) string {
	label := "-"
	if scoped {
		label = "Disabled"
		if s.IsActive() {
			label = "Enabled"
		}
	}
	if !s.Available {
		label += " (unavailable)"
	}
	return label
}

func activatedAt(s modules.ModuleStatus) *time.Time {
	if s.Activation == nil {
		return nil
	}
	return s.Activation.ActivatedAt
}

func lastBilled(s modules.ModuleStatus) *time.Time {
	if s.Activation == nil {
		return nil
	}
	return s.Activation.LastBilledAt
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// message prints the human sentence of rich errors without the category
// and metadata decoration.
func message(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Message != "" {
		return rich.Message
	}
	return err.Error()
}
