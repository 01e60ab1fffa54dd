package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func execReload(v *viper.Viper, f *pflag.FlagSet, stdout io.Writer) {
	logCfg, logErr := getZapConfig(v)
	if logErr != nil {
		panic(logErr)
	}
	if silent, err := f.GetBool("silent"); err != nil {
		panic(err)
	} else if silent {
		logCfg.Level.SetLevel(zapcore.WarnLevel)
	}
	l, buildErr := logCfg.Build()
	if buildErr != nil {
		panic(buildErr)
	}

	apiAddr := v.GetString("api.addr")
	if apiAddr == "" {
		l.Fatal("no api.addr config set")
	}
	res, httpErr := http.Get("http://" + apiAddr + "/reload") // #nosec
	if httpErr != nil {
		l.Fatal("failed to perform http request", zap.Error(httpErr))
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		l.Fatal("unexpected status code", zap.Int("code", res.StatusCode), zap.String("status", res.Status))
	}
	body := new(bytes.Buffer)
	if _, err := io.Copy(body, res.Body); err != nil {
		l.Warn("failed to read response body", zap.Error(err))
	}
	if _, err := fmt.Fprintln(stdout, "OK", "-", strings.TrimSpace(body.String())); err != nil {
		l.Warn("write to stdout failed", zap.Error(err))
	}
}

func getReloadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "notify a running server of a config change via its management API",
		Run: func(cmd *cobra.Command, args []string) {
			execReload(v, cmd.Flags(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolP("silent", "s", true, "log only warnings and errors")
	return cmd
}
