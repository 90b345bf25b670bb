package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dShard/lib/gateway"
	"github.com/ValentinKolb/dShard/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the env files and makes viper read DSHARD_<FLAG>
// environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dshard")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupSocketFlags adds the flags of the simulated gateway sockets
func SetupSocketFlags(cmd *cobra.Command) {
	key := "handshake"
	cmd.PersistentFlags().Int(key, 250, WrapString("Duration in milliseconds a simulated gateway socket needs from identify to READY"))
}

// GetSocketFactory returns the socket factory for the shards of a cluster
func GetSocketFactory() gateway.SocketFactory {
	return gateway.NewSimulatedSocketFactory(time.Duration(viper.GetInt("handshake")) * time.Millisecond)
}

// LoadChildConfig reads the spawn-time environment of a child. Only the
// cluster variables are read, the DSHARD_ prefix does not apply to them.
func LoadChildConfig() (common.ChildConfig, error) {
	v := viper.New()
	for _, key := range common.ChildEnvKeys {
		_ = v.BindEnv(key)
	}
	return common.ParseChildEnv(v.GetString)
}
