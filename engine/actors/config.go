package actors

import (
	"os"

	"github.com/spf13/viper"
	"satchel/engine/library"
)

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	config.SetDefault("rootDir", homeDir+"/satchel/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		library.LogCLI(err.Error(), 4)
	}
	config.SetDefault("dataDir", "data/")
	config.SetDefault("logLevel", 4)
	config.SetDefault("relays", []string{"wss://relay.damus.io"})
	config.SetDefault("listenAddr", "127.0.0.1:3838")
	config.SetDefault("adminToken", "")
	config.SetDefault("clientdUrl", "http://127.0.0.1:3333")
	config.SetDefault("clientdPassword", "")
	config.SetDefault("inviteCode", "")
	config.SetDefault("manualSecret", "")
	config.SetDefault("gatewayRefreshMinutes", 10)
	config.SetDefault("pendingSweepSeconds", 60)
	config.SetDefault("backupDir", "")
	config.SetDefault("backupDebounceSeconds", 30)
	config.SetDefault("doNotPublish", false)

	// Create our working directory and config file if not exist
	initRootDir(config)
	library.Touch(config.GetString("rootDir") + "config.yaml")
	err = config.WriteConfig()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.Mkdir(conf.GetString("rootDir"), 0755)
		if err != nil {
			library.LogCLI(err, 0)
		}
	}
}

var conf *viper.Viper

func MakeOrGetConfig() *viper.Viper {
	return conf
}

func SetConfig(config *viper.Viper) {
	conf = config
}
