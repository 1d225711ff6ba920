// Send push notifications from the command line.
//
//	./push [-params] <token> [<token2> [...]]
//	  -c certificate
//	        provider certificate (default "cert.p12")
//	  -p password
//	        certificate password
//	  -key file
//	        provider token private key (.p8), used instead of -c
//	  -team id
//	        provider token team id (with -key)
//	  -kid id
//	        provider token key id (with -key)
//	  -t    use development service
//	  -f file
//	        JSON file with the notification payload
//	  -a text
//	        message text (default "Hello!")
//	  -b badge
//	        badge number
//	  -i topic
//	        notification topic
//	  -config file
//	        configuration file overriding the defaults above
//	  -log file
//	        also write the log to a rotated file
//	  -v    verbose logging
//
// Sample JSON file:
//
//	{
//	  "aps": {
//	    "alert": "message",
//	    "badge": 0
//	  }
//	}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	apns "github.com/qiemiaopu/pushy"
)

func main() {
	flag.String("c", "cert.p12", "provider `certificate`")
	flag.String("p", "", "certificate `password`")
	flag.String("key", "", "provider token private key `file` (.p8)")
	flag.String("team", "", "provider token team `id`")
	flag.String("kid", "", "provider token key `id`")
	flag.Bool("t", false, "use development service")
	flag.String("f", "", "JSON `file` with the notification payload")
	flag.String("a", "Hello!", "message `text`")
	flag.Uint("b", 0, "`badge` number")
	flag.String("i", "", "notification `topic`")
	configFile := flag.String("config", "", "configuration `file`")
	flag.String("log", "", "also write the log to a rotated `file`")
	flag.Bool("v", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Send push notifications")
		fmt.Fprintf(os.Stderr, "%s [-params] <token> [<token2> [...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("push")
	v.AutomaticEnv()
	flag.CommandLine.Visit(func(f *flag.Flag) {
		v.Set(f.Name, f.Value.String())
	})
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "Error reading configuration:", err)
			os.Exit(1)
		}
	}

	log := newLogger(v.GetString("log"), v.GetBool("v"))
	defer log.Sync()

	if flag.NArg() < 1 {
		log.Fatal("no device tokens given")
	}
	tokens := flag.Args()

	payload := buildPayload(v, log)
	config := buildConfig(v, log)

	client := apns.New(config)
	addr := apns.AddrProduction
	if v.GetBool("t") {
		addr = apns.AddrDevelopment
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx, addr); err != nil {
		log.Fatal("connect failed", zap.String("addr", addr), zap.Error(err))
	}
	defer client.Disconnect(context.Background())

	topic := v.GetString("i")
	for _, token := range tokens {
		resp, err := client.Push(ctx, apns.Notification{
			Token:   token,
			Topic:   topic,
			Payload: payload,
		})
		if err != nil {
			log.Error("send failed", zap.String("token", token), zap.Error(err))
			continue
		}
		if !resp.Sent {
			log.Warn("rejected", zap.String("token", token),
				zap.String("reason", resp.Reason))
			continue
		}
		log.Info("sent", zap.String("token", token), zap.String("id", resp.ID))
	}
}

// buildPayload assembles the notification payload from the -f file or
// the -a/-b shortcut flags.
func buildPayload(v *viper.Viper, log *zap.Logger) map[string]interface{} {
	payload := make(map[string]interface{})
	if name := v.GetString("f"); name != "" {
		data, err := os.ReadFile(name)
		if err != nil {
			log.Fatal("error loading payload file", zap.Error(err))
		}
		if err = json.Unmarshal(data, &payload); err != nil {
			log.Fatal("error parsing payload file", zap.Error(err))
		}
		return payload
	}
	alert := v.GetString("a")
	if alert == "" {
		log.Fatal("nothing to send")
	}
	payload["aps"] = map[string]interface{}{
		"alert": alert,
		"badge": v.GetUint("b"),
	}
	return payload
}

// buildConfig sets up client authentication: a provider token when -key
// is given, the .p12 certificate otherwise.
func buildConfig(v *viper.Viper, log *zap.Logger) *apns.Config {
	config := &apns.Config{Logger: log}
	if keyFile := v.GetString("key"); keyFile != "" {
		pt, err := apns.NewProviderToken(v.GetString("team"), v.GetString("kid"))
		if err != nil {
			log.Fatal("bad provider token parameters", zap.Error(err))
		}
		if err = pt.LoadPrivateKey(keyFile); err != nil {
			log.Fatal("error loading private key", zap.Error(err))
		}
		config.ProviderToken = pt
		return config
	}
	cert, err := apns.LoadCertificate(v.GetString("c"), v.GetString("p"))
	if err != nil {
		log.Fatal("error loading certificate", zap.Error(err))
	}
	config.Certificate = cert
	return config
}

// newLogger builds the console logger, teeing into a rotated file when
// one is configured.
func newLogger(file string, verbose bool) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr), level)
	if file != "" {
		fileCfg := zap.NewProductionEncoderConfig()
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
		core = zapcore.NewTee(core,
			zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), sink, level))
	}
	return zap.New(core)
}
