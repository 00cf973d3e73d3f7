package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			StateDBPath: "~/.pabot/state.db",
			LogLevel:    "info",
		},
		Email: EmailConfig{
			IMAPHost: "imap.gmail.com",
		},
		Classroom: ClassroomConfig{
			Enabled:         false,
			CredentialsFile: "~/.pabot/credentials.json",
			TokenFile:       "~/.pabot/classroom-token.json",
		},
		Voice: VoiceConfig{
			Channel:       "pa_channel",
			AgentUID:      "1001",
			UserUID:       "1002",
			Headless:      true,
			SettleSeconds: 5,
		},
		Polling: PollingConfig{
			EmailIntervalSeconds:     60,
			ClassroomIntervalSeconds: 60,
		},
		Audio: AudioConfig{
			DefaultLanguage: "English",
			AutoBroadcast:   false,
		},
		Feed: FeedConfig{
			Telegram: TelegramFeedConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
	}
}

// Languages lists the spoken output languages the speech templates cover.
func Languages() []string {
	return []string{"English", "Hindi", "Tamil", "Telugu", "Bengali"}
}
