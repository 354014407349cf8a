package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"

	"threshold-trader/internal/cookies"
)

func main() {
	from := flag.String("from-browser", "", "browser to read (chrome, edge, brave, chromium, opera, firefox); empty scans all")
	forURL := flag.String("for", "https://127.0.0.1:5000", "gateway URL to dump cookies for")
	out := flag.String("out", "./data/session.json", "output JSON path for session cookies")
	list := flag.Bool("list", false, "print cookie names instead of writing the session file")
	flag.Parse()

	var (
		cs  []*http.Cookie
		err error
	)
	if *from != "" {
		cs, err = cookies.ExtractFromBrowser(*from, *forURL)
	} else {
		cs, err = cookies.ForURL(*forURL)
	}
	if err != nil {
		log.Fatalf("read cookies: %v", err)
	}

	if *list {
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].Domain != cs[j].Domain {
				return cs[i].Domain < cs[j].Domain
			}
			return cs[i].Name < cs[j].Name
		})
		for _, c := range cs {
			fmt.Fprintf(os.Stdout, "%-24s %-8s %s secure=%v httpOnly=%v\n", c.Domain, c.Path, c.Name, c.Secure, c.HttpOnly)
		}
		return
	}

	if err := cookies.WriteDump(*out, cs); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("Wrote %d cookies for %s to %s\n", len(cs), *forURL, *out)
}
