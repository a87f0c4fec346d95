package config

const (
	telegramWelcome = "¡Bienvenido a ChatMistery Bot! Por el momento la información que tengo es sobre libros como: " +
		"'El libro tibetano de la vida y de la muerte (Sogyal Rimpoche)', 'Illuminati: los secretos de la secta más temida' " +
		"y 'Todos los evangelios - AA VV'. ¡Pregúntame lo que quieras!\n\nTambién puedes enviarme un PDF para que lo aprenda."

	whatsappWelcome = "¡Bienvenido a ChatMistery Bot en WhatsApp! Por el momento la información que tengo es sobre libros como: " +
		"'El libro tibetano de la vida y de la muerte (Sogyal Rimpoche)', 'Illuminati: los secretos de la secta más temida' " +
		"y 'Todos los evangelios - AA VV'. ¡Pregúntame lo que quieras!\n\n" +
		"También puedes enviarme un PDF o compartir enlaces a PDFs usando el formato: \"pdf: URL_DEL_PDF\""
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:               "info",
			LogFormat:              "text",
			KeepStagedFiles:        false,
			MaxConcurrentMessages:  8,
			MaxDocumentBytes:       50 << 20,
			FetchTimeoutSeconds:    60,
			QueryTimeoutSeconds:    120,
			IngestTimeoutSeconds:   300,
			ShutdownTimeoutSeconds: 10,
		},
		Engines: EnginesConfig{
			Query:   EngineEndpoint{BaseURL: "http://127.0.0.1:8000"},
			Content: EngineEndpoint{BaseURL: "http://127.0.0.1:8000"},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:     true,
				PollTimeout: 30,
				Greetings:   []string{"/start"},
				Welcome:     telegramWelcome,
			},
			WhatsApp: WhatsAppConfig{
				Enabled:        true,
				APIBase:        "https://graph.facebook.com/v20.0",
				Host:           "0.0.0.0",
				Port:           5000,
				WebhookPath:    "/webhook",
				MediaUserAgent: "WhatsApp/2.19.81 A",
				Greetings:      []string{"hola", "start"},
				Welcome:        whatsappWelcome,
			},
		},
		Dedup: DedupConfig{
			Backend:  "memory",
			DBPath:   "~/.chatgate/dedup.db",
			Capacity: 1024,
			TTLHours: 24,
		},
		Staging: StagingConfig{
			SweepCron:   "@hourly",
			MaxAgeHours: 24,
		},
		Supervisor: SupervisorConfig{
			StartTimeoutSeconds: 0,
		},
		Messages: MessagesConfig{
			QueryError:        "Ocurrió un error al procesar tu consulta.",
			ProcessingError:   "Ocurrió un error al procesar tu mensaje.",
			VoiceUnsupported:  "Lo siento, aún no soporto entrada de audio.",
			PhotoUnsupported:  "Lo siento, la funcionalidad para procesar imágenes aún no está implementada.",
			Unsupported:       "Lo siento, ese tipo de mensaje aún no está soportado.",
			WrongFormat:       "Formato no soportado: solo puedo procesar documentos PDF.",
			IngestStarted:     "📝 Procesando tu documento, esto puede tardar un momento...",
			IngestSucceeded:   "✅ ¡PDF procesado con éxito!\n\n%s\n\nAhora puedes hacerme preguntas sobre el contenido de este documento.",
			IngestFailed:      "❌ Error al procesar el PDF: %s",
			IngestEngineError: "el servicio de documentos no está disponible en este momento, inténtalo más tarde",
			PDFCommandUsage:   "Por favor, proporciona una URL válida después de 'pdf:'. Por ejemplo: pdf: https://example.com/documento.pdf",
		},
	}
}
