package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/filter"
	"github.com/dhcgn/shadowserver-mail/mbox"
	"github.com/dhcgn/shadowserver-mail/parts"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/stats"
)

// Inventory categories.
const (
	catSender     = "From"
	catSubject    = "Subject"
	catReportType = "Report type"
	catLinkHost   = "Link host"
)

var inventoryCategories = []string{catSender, catSubject, catReportType, catLinkHost}

type inventory struct {
	criteria    filter.Criteria
	urlRex      *regexp.Regexp
	filenameRex *regexp.Regexp

	messages int
	skipped  int
	broken   int
	counter  map[string]map[string]int
}

// NewScanCommand returns the command that summarizes which reports an mbox
// archive holds without downloading or parsing anything.
func NewScanCommand() *cobra.Command {
	var (
		reportDir   string
		topN        int
		filterText  string
		urlRex      string
		filenameRex string
	)

	cmd := &cobra.Command{
		Use:   "scan <mbox file>",
		Short: "Summarize the report mails in an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := filter.Parse(filterText)
			if err != nil {
				return fmt.Errorf("invalid --filter: %w", err)
			}
			urlPattern, err := regexp.Compile(urlRex)
			if err != nil {
				return fmt.Errorf("compile --url-rex: %w", err)
			}
			filenamePattern, err := regexp.Compile(filenameRex)
			if err != nil {
				return fmt.Errorf("compile --filename-rex: %w", err)
			}

			inv := newInventory(criteria, urlPattern, filenamePattern)
			if err := mbox.Read(args[0], inv.add); err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			out := cmd.OutOrStdout()
			inv.print(out, topN)

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(inv.counter, inventoryCategories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&reportDir, "report-dir", "o", "", "Also write one CSV file per category to this directory")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display per category")
	flags.StringVar(&filterText, "filter", config.DefaultFilter, "IMAP SEARCH filter selecting report mails")
	flags.StringVar(&urlRex, "url-rex", pipeline.DefaultURLPattern, "Regular expression matching report download URLs")
	flags.StringVar(&filenameRex, "filename-rex", pipeline.DefaultFilenamePattern, "Regular expression with report_date and report_type groups for report filenames")
	return cmd
}

func newInventory(criteria filter.Criteria, urlRex, filenameRex *regexp.Regexp) *inventory {
	counter := make(map[string]map[string]int)
	for _, cat := range inventoryCategories {
		counter[cat] = make(map[string]int)
	}
	return &inventory{criteria: criteria, urlRex: urlRex, filenameRex: filenameRex, counter: counter}
}

func (inv *inventory) add(raw []byte) error {
	msg, err := parts.NewMessage(raw)
	if err != nil {
		inv.broken++
		return nil
	}

	if !inv.criteria.MatchMessage(raw, msg.ReceivedAt) {
		inv.skipped++
		return nil
	}
	inv.messages++

	msgParts, top, err := parts.Split(raw)
	if err != nil {
		inv.broken++
		return nil
	}

	if from := top.Get("From"); from != "" {
		inv.counter[catSender][from]++
	}
	if subject := parts.Subject(top); subject != nil && *subject != "" {
		inv.counter[catSubject][*subject]++
	}

	for _, part := range pipeline.Order(msgParts) {
		inner := part.Inner()
		if name, ok := parts.Filename(inner); ok {
			inv.countReport(name)
			continue
		}

		data, err := pipeline.Decode(parts.TransferEncoding(inner), part.Body)
		if err != nil {
			continue
		}
		for _, link := range inv.urlRex.FindAllString(string(data), -1) {
			if u, err := url.Parse(link); err == nil && u.Host != "" {
				inv.counter[catLinkHost][u.Host]++
			}
		}
	}
	return nil
}

func (inv *inventory) countReport(filename string) {
	captures, ok := pipeline.MatchFilename(inv.filenameRex, filename)
	if !ok {
		return
	}
	if reportType := captures["report_type"]; reportType != "" {
		inv.counter[catReportType][reportType]++
	}
}

func (inv *inventory) print(w io.Writer, topN int) {
	total := inv.messages + inv.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(inv.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Matched %d messages (skipped %d by filter, %.2f%%, %d unreadable)\n\n", inv.messages, inv.skipped, filterPercent, inv.broken)

	for _, cat := range inventoryCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, cat)
		stats.PrettyPrintTop(w, inv.counter[cat], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, cat := range categories {
		if err := writeCSVReport(filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeName(cat))), counter[cat], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	type pair struct {
		Key   string
		Value int
	}
	var pairs []pair
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for i := 0; i < limit && i < len(pairs); i++ {
		if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
