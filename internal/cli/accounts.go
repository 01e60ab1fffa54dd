package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/turnrelay/turnrelayd/internal/auth"
)

// loadAccounts reads server.account_file, one "login:password:realm"
// record per line. A blank realm defaults to server.realm. Malformed
// lines (not exactly three colon-separated fields, or an empty login)
// are skipped with a log-free no-op, matching spec §6's "account_method
// file" interface: this is the only supported method.
func loadAccounts(v *viper.Viper) ([]auth.Account, error) {
	if v.GetString("auth.account_method") != "" && v.GetString("auth.account_method") != "file" {
		return nil, fmt.Errorf("unsupported account_method %q", v.GetString("auth.account_method"))
	}
	path := v.GetString("auth.account_file")
	if path == "" {
		return parseStaticAccounts(v)
	}
	f, err := os.Open(path) // #nosec
	if err != nil {
		return nil, fmt.Errorf("failed to open account_file %s: %w", path, err)
	}
	defer f.Close()

	defaultRealm := v.GetString("server.realm")
	var accounts []auth.Account
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 || fields[0] == "" {
			continue
		}
		realm := fields[2]
		if realm == "" {
			realm = defaultRealm
		}
		accounts = append(accounts, auth.Account{
			Username: fields[0],
			Password: fields[1],
			Realm:    realm,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account_file %s: %w", path, err)
	}
	return accounts, nil
}

type staticCredential struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// parseStaticAccounts reads the (small-deployment) auth.static list
// embedded directly in the config file, used when no account_file is
// configured.
func parseStaticAccounts(v *viper.Viper) ([]auth.Account, error) {
	var raw []staticCredential
	if err := v.UnmarshalKey("auth.static", &raw); err != nil {
		return nil, fmt.Errorf("failed to parse auth.static: %w", err)
	}
	defaultRealm := v.GetString("server.realm")
	accounts := make([]auth.Account, 0, len(raw))
	for _, c := range raw {
		if c.Realm == "" {
			c.Realm = defaultRealm
		}
		accounts = append(accounts, auth.Account{Username: c.Username, Password: c.Password, Realm: c.Realm})
	}
	return accounts, nil
}
