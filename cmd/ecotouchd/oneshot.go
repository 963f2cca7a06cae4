package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/speters/ecotouchd/pkg/config"
	"github.com/speters/ecotouchd/pkg/ecotouch"
)

var (
	deviceName string
	schedules  bool
)

var readCmd = &cobra.Command{
	Use:   "read TAG...",
	Short: "Read tags once and print them as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := oneShotClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer logout(c)
		res, err := c.ReadNamed(ctx, args...)
		if err != nil {
			return err
		}
		return printJSON(byName(res))
	},
}

var writeCmd = &cobra.Command{
	Use:   "write TAG VALUE",
	Short: "Write a single tag and print the value read back",
	Long: `Write a single tag. VALUE is parsed as JSON and taken as a plain string
if that fails, so both 21.5 and 2024-01-02T03:04:05Z are accepted.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := oneShotClient()
		if err != nil {
			return err
		}
		t, ok := c.Registry().Get(args[0])
		if !ok {
			return errors.Wrap(ecotouch.ErrUnknownTag, args[0])
		}
		defer logout(c)
		res, err := c.WriteValue(cmd.Context(), t, parseValue(args[1]))
		if err != nil {
			return err
		}
		return printJSON(byName(res))
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List the tag table of a device family",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := ecotouch.RegistryFor(adHoc.Family)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESSES\tCODEC\tWRITE")
		for _, t := range r.Tags() {
			if !schedules && ecotouch.IsScheduleTag(t.Name) {
				continue
			}
			addrs := make([]string, 0, len(t.Addresses))
			for _, a := range t.Addresses {
				addrs = append(addrs, a.String())
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.Name, strings.Join(addrs, ","), t.CodecName, t.Writeable)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ecotouchd %s (built %s)\n", buildVersion, buildDate)
	},
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().StringVarP(&deviceName, "device", "d", "", "name of a device from the config file")
		c.Flags().StringVar(&adHoc.Host, "host", "", "address of the controller, used without a config file")
		c.Flags().StringVarP(&adHoc.Username, "user", "u", adHoc.Username, "login name")
		c.Flags().StringVarP(&adHoc.Password, "password", "p", adHoc.Password, "login password")
		c.Flags().StringVar(&adHoc.Language, "language", "en", "language of translated bitfields")
	}
	for _, c := range []*cobra.Command{readCmd, writeCmd, tagsCmd} {
		c.Flags().StringVarP((*string)(&adHoc.Family), "family", "f", string(adHoc.Family), "controller family: ecotouch or easycon")
	}
	tagsCmd.Flags().BoolVar(&schedules, "schedules", false, "include switching program tags")
	rootCmd.AddCommand(readCmd, writeCmd, tagsCmd, versionCmd)
}

// selectDevice picks the device named by --device, the ad hoc device given by --host,
// or the only device of the config file
func selectDevice(c *config.Config) (config.DeviceConfig, error) {
	switch {
	case deviceName != "":
		d, ok := c.Device(deviceName)
		if !ok {
			return d, errors.Errorf("no device %s in config", deviceName)
		}
		return d, nil
	case adHoc.Host != "":
		d := adHoc
		d.TagsPerRequest = ecotouch.DefaultTagsPerRequest
		return d, nil
	case len(c.Devices) == 1:
		return c.Devices[0], nil
	}
	return config.DeviceConfig{}, errors.New("need --device or --host")
}

func oneShotClient() (*ecotouch.Client, error) {
	d, err := selectDevice(cfg)
	if err != nil {
		return nil, err
	}
	log.WithField("device", d.Name).Debugf("Connecting to %v (%v)", d.Host, d.Family)
	return ecotouch.NewClient(cfg.ClientOptions(d))
}

func logout(c *ecotouch.Client) {
	if err := c.Logout(context.Background()); err != nil {
		log.Debugf("Logout: %v", err)
	}
}

// parseValue takes JSON literals and falls back to the plain string
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(v interface{}) error {
	e := json.NewEncoder(os.Stdout)
	e.SetIndent("", "    ")
	return e.Encode(v)
}
