// Command tradectl starts analyses and browses the archive of a tradegate server.
//
//	tradectl [flags] analyze TICKER [DATE]
//	tradectl [flags] status SESSION
//	tradectl [flags] archive
//	tradectl [flags] show KEY
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/nberk2/tradegate/internal/client"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tradectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("TRADEGATE_URL", "http://localhost:8080"), "tradegate server URL")
	interval := fs.Duration("interval", 3*time.Second, "status poll interval for analyze")
	width := fs.Int("width", 100, "word wrap width for rendered output")
	plain := fs.Bool("plain", false, "print raw markdown instead of rendering it")
	output := fs.String("o", "", "analyze: also save the downloadable report to this file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: tradectl [flags] analyze TICKER [DATE] | status SESSION | archive | show KEY")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*server, nil)
	p := &printer{out: stdout, width: *width, plain: *plain}

	var err error
	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "analyze":
		if len(rest) < 1 || len(rest) > 2 {
			fs.Usage()
			return 2
		}
		date := ""
		if len(rest) == 2 {
			date = rest[1]
		}
		err = analyze(ctx, c, p, rest[0], date, *interval, *output, stderr)
	case "status":
		if len(rest) != 1 {
			fs.Usage()
			return 2
		}
		var v *client.View
		if v, err = c.Status(ctx, rest[0]); err == nil {
			err = p.markdown(v.Markdown)
		}
	case "archive":
		var entries []client.ArchiveEntry
		if entries, err = c.Archive(ctx); err == nil {
			for _, e := range entries {
				if e.Key == "" {
					fmt.Fprintln(stdout, e.Label)
					continue
				}
				fmt.Fprintf(stdout, "%s\t%s\n", e.Label, e.Key)
			}
		}
	case "show":
		if len(rest) != 1 {
			fs.Usage()
			return 2
		}
		var v *client.View
		if v, err = c.Show(ctx, rest[0]); err == nil {
			err = p.markdown(v.Markdown)
		}
	default:
		fmt.Fprintf(stderr, "tradectl: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "tradectl: %v\n", err)
		return 1
	}
	return 0
}

func analyze(ctx context.Context, c *client.Client, p *printer, ticker, date string, interval time.Duration, output string, stderr io.Writer) error {
	started, err := c.Start(ctx, ticker, date)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "session %s\n", started.Session())

	last := ""
	final, err := c.Wait(ctx, started.Session(), interval, func(v *client.View) {
		if v.Done() || v.Markdown == last {
			return
		}
		last = v.Markdown
		fmt.Fprintf(stderr, "%3d%% %s\n", v.Progress, lastLine(v.Markdown))
	})
	if err != nil {
		return err
	}
	if err := p.markdown(final.Markdown); err != nil {
		return err
	}
	if final.Status == "error" {
		return fmt.Errorf("analysis of %s failed", strings.ToUpper(ticker))
	}
	if output != "" && final.Download.Visible {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := c.Fetch(ctx, final.Download.URL, f); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "report saved to %s\n", output)
	}
	return nil
}

type printer struct {
	out   io.Writer
	width int
	plain bool
}

func (p *printer) markdown(md string) error {
	if p.plain {
		_, err := fmt.Fprintln(p.out, md)
		return err
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(p.width),
	)
	if err != nil {
		return err
	}
	rendered, err := r.Render(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(p.out, rendered)
	return err
}

func lastLine(md string) string {
	md = strings.TrimSpace(md)
	if i := strings.LastIndex(md, "\n"); i >= 0 {
		return strings.TrimSpace(md[i+1:])
	}
	return md
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
