package main

import (
	"net/url"
	"strconv"

	"github.com/hyperengineering/strata"
	"github.com/spf13/cobra"
)

// queryFlags are the filter flags shared by every command that selects
// records.
type queryFlags struct {
	filter string
	sort   string
	skip   int
	limit  int
	fields string
}

func (f *queryFlags) register(cmd *cobra.Command, paging bool) {
	cmd.Flags().StringVarP(&f.filter, "query", "q", "", `Filter document, e.g. '{"age":{"$gte":30}}'`)
	if !paging {
		return
	}
	cmd.Flags().StringVarP(&f.sort, "sort", "s", "", "Sort fields, comma-separated; prefix - for descending")
	cmd.Flags().IntVar(&f.skip, "skip", 0, "Skip this many matching records")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Return at most this many records")
	cmd.Flags().StringVar(&f.fields, "fields", "", "Comma-separated fields to return")
}

// build encodes the flags the way the remote service receives them and
// parses them back, so the CLI accepts exactly the wire syntax.
func (f *queryFlags) build() (*strata.Query, error) {
	v := url.Values{}
	if f.filter != "" {
		v.Set("query", f.filter)
	}
	if f.sort != "" {
		v.Set("sort", f.sort)
	}
	if f.skip != 0 {
		v.Set("skip", strconv.Itoa(f.skip))
	}
	if f.limit != 0 {
		v.Set("limit", strconv.Itoa(f.limit))
	}
	if f.fields != "" {
		v.Set("fields", f.fields)
	}
	return strata.ParseQuery(v)
}
