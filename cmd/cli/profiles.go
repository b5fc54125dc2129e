package cli

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/netclass"
)

const suggestedPortsShown = 8

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Show or reset learned network profiles",
	Long: `Each network class (LocalHost, LAN, Cloud, Internet) keeps a learned
profile: a latency average, a success rate and a recommended per-host
parallelism. Scans use the profile of a target's class unless the timeout,
parallelism or rate are set explicitly.`,
	Example: `  portscope profiles show
  portscope profiles reset`,
}

var profilesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print learned profiles and the settings they recommend",
	Args:  cobra.NoArgs,
	RunE:  runProfilesShow,
}

var profilesHostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List remembered hosts and the open ports last seen on them",
	Args:  cobra.NoArgs,
	RunE:  runProfilesHosts,
}

var profilesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard all learned state",
	Args:  cobra.NoArgs,
	RunE:  runProfilesReset,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesShowCmd)
	profilesCmd.AddCommand(profilesHostsCmd)
	profilesCmd.AddCommand(profilesResetCmd)
}

// loadLearner opens the configured store. A damaged store is reported and
// the defaults are shown instead.
func loadLearner(out io.Writer) (*adaptive.Engine, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	store := adaptive.NewStore(cfg.Adaptive.StorePath, cfg.Adaptive.RetentionDays)
	engine := adaptive.NewEngine(learningParams(cfg.Adaptive), store, logging.Default())
	if err := engine.Load(); err != nil {
		fmt.Fprintf(out, "warning: adaptive store unusable, showing defaults: %v\n", err)
	}
	return engine, store.Path(), nil
}

func runProfilesShow(cmd *cobra.Command, _ []string) error {
	engine, path, err := loadLearner(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Store: %s\n", path)
	return renderProfiles(cmd.OutOrStdout(), engine)
}

func renderProfiles(w io.Writer, engine *adaptive.Engine) error {
	table := tablewriter.NewWriter(w)
	table.Header("Class", "Samples", "Latency EMA", "Success", "Timeout", "Parallelism", "Rate", "Likely open", "Updated")

	for _, class := range netclass.All {
		rec := engine.Recommend(class)
		row := []string{string(class), "0", "-", "-", rec.Timeout.String(),
			strconv.Itoa(rec.Parallelism), strconv.FormatFloat(rec.Rate, 'f', 0, 64), "-", "never"}

		if p, ok := engine.Profile(class); ok {
			row[1] = strconv.FormatUint(p.SampleCount, 10)
			row[2] = fmt.Sprintf("%.1fms", p.TimeoutEMA)
			row[3] = fmt.Sprintf("%.0f%%", p.SuccessRateEMA*100)
			row[8] = p.LastUpdated.Local().Format("2006-01-02 15:04")
		}
		if suggested := engine.SuggestedPorts(class, suggestedPortsShown); len(suggested) > 0 {
			ports := make([]string, len(suggested))
			for i, port := range suggested {
				ports[i] = strconv.Itoa(int(port))
			}
			row[7] = strings.Join(ports, ",")
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func runProfilesHosts(cmd *cobra.Command, _ []string) error {
	engine, _, err := loadLearner(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	hosts := engine.Hosts()
	if len(hosts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No hosts remembered yet.")
		return nil
	}
	return renderHosts(cmd.OutOrStdout(), hosts)
}

func renderHosts(w io.Writer, hosts map[netip.Addr]adaptive.HostRecord) error {
	addrs := make([]netip.Addr, 0, len(hosts))
	for addr := range hosts {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)

	table := tablewriter.NewWriter(w)
	table.Header("Address", "Class", "Open ports", "Firewall", "Scans", "Last scan")
	for _, addr := range addrs {
		h := hosts[addr]
		open := make([]string, len(h.OpenPorts))
		for i, port := range h.OpenPorts {
			open[i] = strconv.Itoa(int(port))
		}
		firewall := "no"
		if h.FirewallSuspected {
			firewall = "suspected"
		}
		row := []string{addr.String(), string(h.Class), strings.Join(open, ","), firewall,
			strconv.FormatUint(h.Scans, 10), h.LastScan.Local().Format("2006-01-02 15:04")}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func runProfilesReset(cmd *cobra.Command, _ []string) error {
	engine, path, err := loadLearner(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	engine.Reset()
	if err := engine.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Learned profiles cleared (%s)\n", path)
	return nil
}
