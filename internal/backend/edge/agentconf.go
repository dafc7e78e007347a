package edge

type bootstrap struct {
	CompanyID         string `json:"company_id"`
	Platform          string `json:"platform"`
	InitSystem        string `json:"init_system"`
	NetworkConfigurer string `json:"network_configurer"`
	Local             bool   `json:"local"`
}

func bootstrapConfig(companyID string) bootstrap {
	return bootstrap{
		CompanyID:         companyID,
		Platform:          "laird",
		InitSystem:        "systemd",
		NetworkConfigurer: "nmcli",
	}
}

type agentConf struct {
	Edge     agentSection    `json:"edge"`
	MQTT     mqttSection     `json:"mqtt"`
	Platform platformSection `json:"platform"`
	AWS      awsSection      `json:"aws"`
}

type agentSection struct {
	Manufacturer   string `json:"manufacturer"`
	Model          string `json:"model"`
	Company        string `json:"company"`
	Env            string `json:"env"`
	Local          bool   `json:"local"`
	BypassAndRelay bool   `json:"bypass_and_relay"`
	InitSystem     string `json:"init_system"`
	IdentifierPath string `json:"identifier_path"`
	UIPort         int    `json:"ui_port"`
	APIPort        int    `json:"api_port"`
}

type mqttSection struct {
	Broker brokerSection `json:"broker"`
	Topics topics        `json:"topics"`
}

type brokerSection struct {
	Protocol        string `json:"protocol"`
	Host            string `json:"host"`
	Port            string `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	EscrowTokenPath string `json:"escrow_token_path"`
}

type topics struct {
	Upstream   map[string]string `json:"upstream"`
	Downstream map[string]string `json:"downstream"`
}

type platformSection struct {
	URL string `json:"url"`
}

type awsSection struct {
	Greengrass struct {
		HeartbeatPort int `json:"heartbeat_port"`
	} `json:"greengrass"`
}

var upstreamTopics = map[string]string{
	"report":                 "reports",
	"heartbeat":              "reports/hb",
	"config":                 "config",
	"action":                 "action",
	"new_version":            "new_version",
	"lwt":                    "lwt",
	"status":                 "status",
	"log":                    "logs",
	"gateway_command_status": "gateway_command_status",
	"deployment_status":      "deployment_status",
	"error":                  "error",
	"escrow_request":         "escrow_request",
}

var downstreamTopics = map[string]string{
	"config":          "config",
	"command":         "commands",
	"new_version":     "new_version",
	"gateway_command": "gateway_commands",
	"escrow":          "escrow",
}

func (b *Backend) agentConfig(companyID string) agentConf {
	conf := agentConf{
		Edge: agentSection{
			Manufacturer:   "generic",
			Model:          "linux",
			Company:        companyID,
			Env:            "prod",
			InitSystem:     "systemd",
			IdentifierPath: b.installDir + "/edgeiq_bootstrap.json",
			UIPort:         9001,
			APIPort:        9000,
		},
		MQTT: mqttSection{
			Broker: brokerSection{
				Protocol:        b.cfg.Broker.Protocol,
				Host:            b.cfg.Broker.Host,
				Port:            b.cfg.Broker.Port,
				Username:        b.cfg.Broker.Username,
				Password:        b.cfg.Broker.Password,
				EscrowTokenPath: b.path(escrowTokenPath),
			},
			Topics: topics{Upstream: upstreamTopics, Downstream: downstreamTopics},
		},
		Platform: platformSection{URL: b.cfg.PlatformURL},
	}
	conf.AWS.Greengrass.HeartbeatPort = 9002
	return conf
}
