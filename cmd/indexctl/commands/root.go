// Package commands implements indexctl, a client for the key index HTTP API.
package commands

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	server        string
	authorization string
	timeout       time.Duration
	httpClient    *http.Client
}

func (o *options) client() *apiClient {
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: o.timeout}
	}
	return &apiClient{base: o.server, authorization: o.authorization, http: hc}
}

func Execute() error {
	return NewRootCommand(nil).Execute()
}

// NewRootCommand builds the command tree. A nil httpClient uses a client with
// the --timeout flag applied.
func NewRootCommand(httpClient *http.Client) *cobra.Command {
	opts := &options{httpClient: httpClient}

	root := &cobra.Command{
		Use:           "indexctl",
		Short:         "Publish and look up public keys in a key index",
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "index base URL")
	root.PersistentFlags().StringVar(&opts.authorization, "authorization", "", "value for the Authorization header")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")

	root.AddCommand(keyCmd(opts), sealCmd(), updateCmd(opts), searchCmd(opts))
	return root
}
