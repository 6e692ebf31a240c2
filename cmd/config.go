// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/sensebox/box-integration-bridge/coordinator"
	"github.com/sensebox/box-integration-bridge/ingest/amqp"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "bridge"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Println("Error when reading config file:", err)
		} else {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.BindEnv("debug")

	defaultID := "unknown"
	if user, err := user.Current(); err == nil {
		defaultID = user.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		defaultID += "@" + hostname
	}
	viper.SetDefault("id", defaultID)
}

var config = viper.GetViper()

// list returns the non-empty elements of a comma-separated or slice setting,
// "disable" disables the setting
func list(key string) (values []string) {
	for _, value := range config.GetStringSlice(key) {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "disable" {
				return nil
			}
			if part != "" {
				values = append(values, part)
			}
		}
	}
	return
}

func coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		ConnectTimeout:    durationOr("connect-timeout", coordinator.DefaultConnectTimeout),
		DisconnectTimeout: durationOr("disconnect-timeout", coordinator.DefaultDisconnectTimeout),
		ReconcileInterval: config.GetDuration("reconcile-interval"),
	}
}

func durationOr(key string, def time.Duration) time.Duration {
	if d := config.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// amqpConfig parses an AMQP broker in the form [user[:pass]@]host:port[/vhost]
func amqpConfig(broker string) (amqp.Config, error) {
	u, err := url.Parse("amqp://" + broker)
	if err != nil {
		return amqp.Config{}, err
	}
	if u.Port() == "" {
		return amqp.Config{}, fmt.Errorf("amqp broker %q has no port", broker)
	}
	conf := amqp.Config{
		Address:      u.Host,
		VHost:        strings.TrimPrefix(u.Path, "/"),
		ExchangeName: config.GetString("amqp-exchange"),
	}
	if u.User != nil {
		conf.Username = u.User.Username()
		conf.Password, _ = u.User.Password()
	}
	return conf, nil
}
