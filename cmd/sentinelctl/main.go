package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	adminToken string
	cfgFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinelctl",
	Short: "Sentinel WAF operator CLI",
	Long: `sentinelctl is the command-line interface for a Sentinel
inspection service.

It can inspect per-tenant DDoS metrics, send synthetic requests
through the analysis pipeline, and validate custom rule files before
uploading them.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sentinel")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if adminToken == "" {
			adminToken = viper.GetString("admin_token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sentinel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "sentineld URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin bearer token")

	analyzeCmd.Flags().StringVar(&anTenant, "tenant", "default", "tenant ID")
	analyzeCmd.Flags().StringVar(&anMethod, "method", "GET", "HTTP method")
	analyzeCmd.Flags().StringVar(&anPath, "path", "/", "request path (may include a query string)")
	analyzeCmd.Flags().StringVar(&anBody, "body", "", "request body")
	analyzeCmd.Flags().StringVar(&anIP, "ip", "203.0.113.10", "client IP")

	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ── metrics ──────────────────────────────────────────────────────────────────

var metricsCmd = &cobra.Command{
	Use:   "metrics [tenant]",
	Short: "Show per-tenant DDoS metrics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var m ddos.Metrics
			if err := get("/v1/metrics/tenants/"+args[0], &m); err != nil {
				return err
			}
			return printMetrics([]ddos.Metrics{m})
		}

		var all struct {
			Tenants map[string]ddos.Metrics `json:"tenants"`
		}
		if err := get("/v1/metrics/tenants", &all); err != nil {
			return err
		}
		list := make([]ddos.Metrics, 0, len(all.Tenants))
		for _, m := range all.Tenants {
			list = append(list, m)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].TenantID < list[j].TenantID })
		return printMetrics(list)
	},
}

func printMetrics(list []ddos.Metrics) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tREQ/S\tUNIQUE IPS\tCONNS\tVOL SCORE\tANOMALIES\tTOP ATTACKER")
	for _, m := range list {
		top := "-"
		if len(m.TopAttackers) > 0 {
			top = fmt.Sprintf("%s (%d)", m.TopAttackers[0].IP, m.TopAttackers[0].Requests)
		}
		fmt.Fprintf(w, "%s\t%.0f\t%d\t%d\t%.2f\t%d\t%s\n",
			m.TenantID, m.RequestsPerSecond, m.UniqueIPs, m.ActiveConnections,
			m.VolumetricScore, m.ProtocolAnomalies, top)
	}
	return w.Flush()
}

// ── analyze ──────────────────────────────────────────────────────────────────

var (
	anTenant string
	anMethod string
	anPath   string
	anBody   string
	anIP     string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Send a synthetic request through the analysis pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := anPath
		query := map[string]string{}
		if i := strings.IndexByte(anPath, '?'); i >= 0 {
			path = anPath[:i]
			for _, kv := range strings.Split(anPath[i+1:], "&") {
				k, v, _ := strings.Cut(kv, "=")
				query[k] = v
			}
		}

		descriptor := map[string]any{
			"tenant_id": anTenant,
			"method":    anMethod,
			"path":      path,
			"query":     query,
			"body":      anBody,
			"client_ip": anIP,
			"headers": map[string]string{
				"host":       "cli.invalid",
				"user-agent": "sentinelctl/" + version,
			},
		}
		raw, _ := json.Marshal(descriptor)

		req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/analyze", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck

		var result model.AnalysisResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}

		fmt.Printf("action:  %s\n", result.Action)
		fmt.Printf("score:   %d (%s)\n", result.Score, result.RiskLevel)
		fmt.Printf("reason:  %s\n", result.Reason)
		for _, m := range result.Matches {
			fmt.Printf("match:   %s [%s] %q\n", m.RuleID, m.Category, m.Matched)
		}
		for _, d := range result.Explain.Details {
			fmt.Printf("detail:  %s\n", d)
		}
		return nil
	},
}

// ── rules ────────────────────────────────────────────────────────────────────

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with custom rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a custom rule JSON file without uploading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var list []model.Rule
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		bad := 0
		for _, r := range list {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				fmt.Printf("INVALID  %s: %v\n", r.ID, err)
				bad++
				continue
			}
			fmt.Printf("ok       %s (%s, %s, +%d)\n", r.ID, r.Field, r.Severity, effectiveScore(r))
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d rules invalid", bad, len(list))
		}
		fmt.Printf("%d rules valid\n", len(list))
		return nil
	},
}

func effectiveScore(r model.Rule) int {
	if r.Score > 0 {
		return r.Score
	}
	return r.Severity.Score()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sentinelctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sentinelctl", version)
	},
}
