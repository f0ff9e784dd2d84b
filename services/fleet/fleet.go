// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package main

import (
	"embed"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/backend"
	"github.com/cabwise-tech/fleetcore/core/backend/files"
	"github.com/cabwise-tech/fleetcore/core/csql"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

//go:embed descriptors
var descriptorsFS embed.FS

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password to the Postgres DB"`
	Port             string `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	TokenSecret      string `env:"TOKEN_SECRET,required" description:"the secret signing bearer tokens"`
	UploadsDir       string `env:"UPLOADS_DIR,default=./uploads" description:"the local uploads directory"`
	S3Bucket         string `env:"S3_BUCKET,default=" description:"use S3 upload storage instead of the local directory"`
	S3Region         string `env:"S3_REGION,default=eu-central-1"`
	S3AccessID       string `env:"S3_ACCESS_ID,default="`
	S3AccessKey      string `env:"S3_ACCESS_KEY,default="`
	KafkaBrokers     string `env:"KAFKA_BROKERS,default=" description:"comma-separated brokers for change notifications"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=fleetcore.changes"`
	CORSOrigins      string `env:"CORS_ORIGINS,default=*" description:"comma-separated allowed origins"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.InitLogger(logLevel)

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "fleetcore")
	defer db.Close()

	filesConfiguration := files.Configuration{
		DriverType: files.DriverTypeLocal,
		LocalConfiguration: &files.LocalConfiguration{
			BasePath: service.UploadsDir,
		},
	}
	if service.S3Bucket != "" {
		filesConfiguration = files.Configuration{
			DriverType: files.DriverTypeAWSS3,
			S3Configuration: &files.S3Configuration{
				AWSRegion:     service.S3Region,
				AWSBucketName: service.S3Bucket,
				AccessID:      service.S3AccessID,
				AccessKey:     service.S3AccessKey,
				KeyPrefix:     "fleetcore/",
			},
		}
	}

	var notifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := backend.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		DescriptorFS:       descriptorsFS,
		DescriptorDir:      "descriptors",
		DB:                 db,
		Router:             router,
		TokenSecret:        service.TokenSecret,
		TokenValidity:      24 * time.Hour,
		FilesConfiguration: filesConfiguration,
		Notifier:           notifier,
		UpdateSchema:       true,
	})

	if service.S3Bucket == "" {
		router.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(service.UploadsDir))))
	}

	handler := handlers.CombinedLoggingHandler(logger.Default().Writer(),
		handlers.CORS(
			handlers.AllowedOrigins(strings.Split(service.CORSOrigins, ",")),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(router))

	logger.Default().Infoln("listen on port :" + service.Port)
	logger.Default().Fatal(http.ListenAndServe(":"+service.Port, handler))
}
