package sham

import log "github.com/sirupsen/logrus"

func init() {
	// Setup logrus
	//log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(log.InfoLevel)
}

// setupLogger 按配置调整 logrus。logrus 是全局的，最后一个 NewOS 说了算。
func setupLogger(cfg LogConfig) {
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{
			ForceColors: cfg.Colors,
		})
	}
}
