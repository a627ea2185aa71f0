package config

import (
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders the default configuration as commented TOML. client_id is
// left empty so every install generates its own.
func Template() (string, error) {
	def := Default()
	file := fileConfig{
		TargetIP:                     def.Settings.TargetIP,
		CommandPort:                  def.Settings.CommandPort,
		StatusListenPort:             def.Settings.StatusListenPort,
		HeartbeatPort:                def.Settings.HeartbeatPort,
		ConnectionTimeout:            def.Settings.ConnectionTimeout.String(),
		HeartbeatInterval:            def.Settings.HeartbeatInterval.String(),
		StatusBroadcastInterval:      def.Settings.StatusBroadcastInterval.String(),
		ClientVersion:                def.Identity.ClientVersion,
		RequestedFeatures:            def.Identity.RequestedFeatures,
		AutoReconnect:                def.AutoReconnect,
		AutoReconnectIntervalSeconds: def.AutoReconnectInterval.Seconds(),
		ConnectOnStart:               def.ConnectOnStart,
		AdminAddr:                    def.AdminAddr,
		EventLogPath:                 def.EventLogPath,
		EventLogMaxRows:              def.EventLogMaxRows,
		CORSOrigins:                  def.CORSOrigins,
		MQTTQoS:                      int(def.MQTTQoS),
	}
	out, err := gotoml.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
