package models

// The structs below mirror the upstream projection for each entity kind.
// json tags carry the upstream field names (the subscribe endpoint's include
// parameter and the GraphQL queries use the same names); db tags carry the
// local column names. Field order matches column order in the schema.

// Alliance is a row of the alliance table.
type Alliance struct {
	ID             ID      `json:"id" db:"id"`
	Name           string  `json:"name" db:"name"`
	Acronym        string  `json:"acronym" db:"acronym"`
	Score          float64 `json:"score" db:"score"`
	Color          Color   `json:"color" db:"color"`
	DateCreated    Time    `json:"date" db:"date_created"`
	AverageScore   float64 `json:"average_score" db:"average_score"`
	AcceptsMembers bool    `json:"accept_members" db:"accepts_members"`
	FlagURL        string  `json:"flag" db:"flag_url"`
	Rank           int     `json:"rank" db:"rank"`
}

func (a *Alliance) Table() string   { return "alliance" }
func (a *Alliance) Kind() Kind      { return KindAlliance }
func (a *Alliance) RecordID() int64 { return int64(a.ID) }
func (a *Alliance) Refs() []Ref     { return nil }

// AlliancePosition is a row of the alliance_position table.
type AlliancePosition struct {
	ID             ID     `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	DateCreated    Time   `json:"date" db:"date_created"`
	DateModified   Time   `json:"date_modified" db:"date_modified"`
	PositionLevel  int    `json:"position_level" db:"position_level"`
	DefaultLeader  bool   `json:"leader" db:"default_leader"`
	DefaultHeir    bool   `json:"heir" db:"default_heir"`
	DefaultOfficer bool   `json:"officer" db:"default_officer"`
	DefaultMember  bool   `json:"member" db:"default_member"`
	PermissionBits int    `json:"permissions" db:"permission_bits"`
	CreatorID      NullID `json:"creator_id" db:"creator_id"`
	LastEditorID   NullID `json:"last_editor_id" db:"last_editor_id"`
	AllianceID     ID     `json:"alliance_id" db:"alliance_id"`
}

func (p *AlliancePosition) Table() string   { return "alliance_position" }
func (p *AlliancePosition) Kind() Kind      { return KindAlliancePosition }
func (p *AlliancePosition) RecordID() int64 { return int64(p.ID) }

func (p *AlliancePosition) Refs() []Ref {
	return []Ref{
		{Column: "alliance_id", Table: "alliance", Required: true, ID: int64(p.AllianceID), Valid: true},
	}
}

// Nation is a row of the nation table.
type Nation struct {
	ID                    ID             `json:"id" db:"id"`
	Name                  string         `json:"nation_name" db:"name"`
	LeaderName            string         `json:"leader_name" db:"leader_name"`
	Continent             Continent      `json:"continent" db:"continent"`
	WarPolicy             WarPolicy      `json:"war_policy" db:"war_policy"`
	WarPolicyTurns        int            `json:"war_policy_turns" db:"war_policy_turns"`
	DomesticPolicy        DomesticPolicy `json:"domestic_policy" db:"domestic_policy"`
	DomesticPolicyTurns   int            `json:"domestic_policy_turns" db:"domestic_policy_turns"`
	NumCities             int            `json:"num_cities" db:"num_cities"`
	Color                 Color          `json:"color" db:"color"`
	Score                 float64        `json:"score" db:"score"`
	UpdateTimezone        NullFloat      `json:"update_tz" db:"update_timezone"`
	Population            int            `json:"population" db:"population"`
	FlagURL               string         `json:"flag" db:"flag_url"`
	VacationModeTurns     int            `json:"vacation_mode_turns" db:"vacation_mode_turns"`
	BeigeTurns            int            `json:"beige_turns" db:"beige_turns"`
	EspionageAvailable    bool           `json:"espionage_available" db:"espionage_available"`
	LastActive            NullTime       `json:"last_active" db:"last_active"`
	DateCreated           Time           `json:"date" db:"date_created"`
	Soldiers              int            `json:"soldiers" db:"soldiers"`
	Tanks                 int            `json:"tanks" db:"tanks"`
	Aircraft              int            `json:"aircraft" db:"aircraft"`
	Ships                 int            `json:"ships" db:"ships"`
	Missiles              int            `json:"missiles" db:"missiles"`
	Nukes                 int            `json:"nukes" db:"nukes"`
	Spies                 int            `json:"spies" db:"spies"`
	DiscordID             NullID         `json:"discord_id" db:"discord_id"`
	TurnsSinceLastCity    int            `json:"turns_since_last_city" db:"turns_since_last_city"`
	TurnsSinceLastProject int            `json:"turns_since_last_project" db:"turns_since_last_project"`
	NumProjects           int            `json:"projects" db:"num_projects"`
	ProjectBits           int64          `json:"project_bits" db:"project_bits"`
	WarsWon               int            `json:"wars_won" db:"wars_won"`
	WarsLost              int            `json:"wars_lost" db:"wars_lost"`
	AllianceJoinDate      NullTime       `json:"alliance_join_date" db:"alliance_join_date"`
	AllianceID            NullID         `json:"alliance_id" db:"alliance_id"`
	AlliancePositionID    NullID         `json:"alliance_position_id" db:"alliance_position_id"`
}

func (n *Nation) Table() string   { return "nation" }
func (n *Nation) Kind() Kind      { return KindNation }
func (n *Nation) RecordID() int64 { return int64(n.ID) }

func (n *Nation) Refs() []Ref {
	return []Ref{
		{
			Column: "alliance_id", Table: "alliance",
			ID: n.AllianceID.Int64, Valid: n.AllianceID.Valid,
			Clear: func() { n.AllianceID = NullID{} },
		},
		{
			Column: "alliance_position_id", Table: "alliance_position",
			ID: n.AlliancePositionID.Int64, Valid: n.AlliancePositionID.Valid,
			Clear: func() { n.AlliancePositionID = NullID{} },
		},
	}
}

// City is a row of the city table.
type City struct {
	ID             ID       `json:"id" db:"id"`
	Name           string   `json:"name" db:"name"`
	DateCreated    Time     `json:"date" db:"date_created"`
	Infrastructure float64  `json:"infrastructure" db:"infrastructure"`
	Land           float64  `json:"land" db:"land"`
	Powered        bool     `json:"powered" db:"powered"`
	LastNukeDate   NullTime `json:"nuke_date" db:"last_nuke_date"`

	// Power
	OilPowerPlants     int `json:"oil_power" db:"oil_power_plants"`
	WindPowerPlants    int `json:"wind_power" db:"wind_power_plants"`
	CoalPowerPlants    int `json:"coal_power" db:"coal_power_plants"`
	NuclearPowerPlants int `json:"nuclear_power" db:"nuclear_power_plants"`

	// Raw resources
	CoalMines    int `json:"coal_mine" db:"coal_mines"`
	OilWells     int `json:"oil_well" db:"oil_wells"`
	UraniumMines int `json:"uranium_mine" db:"uranium_mines"`
	BauxiteMines int `json:"bauxite_mine" db:"bauxite_mines"`
	LeadMines    int `json:"lead_mine" db:"lead_mines"`
	IronMines    int `json:"iron_mine" db:"iron_mines"`
	Farms        int `json:"farm" db:"farms"`

	// Manufacturing
	OilRefineries      int `json:"oil_refinery" db:"oil_refineries"`
	AluminumRefineries int `json:"aluminum_refinery" db:"aluminum_refineries"`
	SteelMills         int `json:"steel_mill" db:"steel_mills"`
	MunitionsFactories int `json:"munitions_factory" db:"munitions_factories"`

	// Civil
	PoliceStations   int `json:"police_station" db:"police_stations"`
	Hospitals        int `json:"hospital" db:"hospitals"`
	RecyclingCenters int `json:"recycling_center" db:"recycling_centers"`
	Subways          int `json:"subway" db:"subways"`

	// Commerce
	Supermarkets  int `json:"supermarket" db:"supermarkets"`
	Banks         int `json:"bank" db:"banks"`
	ShoppingMalls int `json:"shopping_mall" db:"shopping_malls"`
	Stadiums      int `json:"stadium" db:"stadiums"`

	// Military
	Barracks  int `json:"barracks" db:"barracks"`
	Factories int `json:"factory" db:"factories"`
	Hangars   int `json:"hangar" db:"hangars"`
	Drydocks  int `json:"drydock" db:"drydocks"`

	NationID ID `json:"nation_id" db:"nation_id"`
}

func (c *City) Table() string   { return "city" }
func (c *City) Kind() Kind      { return KindCity }
func (c *City) RecordID() int64 { return int64(c.ID) }

func (c *City) Refs() []Ref {
	return []Ref{
		{Column: "nation_id", Table: "nation", Required: true, ID: int64(c.NationID), Valid: true},
	}
}

// War is a row of the war table. Wars have no push channel; the reconciler
// populates this table from the paginated GraphQL query.
type War struct {
	ID        ID       `json:"id" db:"id"`
	StartDate Time     `json:"date" db:"start_date"`
	EndDate   NullTime `json:"end_date" db:"end_date"`
	Reason    string   `json:"reason" db:"reason"`
	WarType   WarType  `json:"war_type" db:"war_type"`
	TurnsLeft int      `json:"turns_left" db:"turns_left"`

	AttackerActionPoints  int  `json:"att_points" db:"attacker_action_points"`
	DefenderActionPoints  int  `json:"def_points" db:"defender_action_points"`
	AttackerOfferingPeace bool `json:"att_peace" db:"attacker_offering_peace"`
	DefenderOfferingPeace bool `json:"def_peace" db:"defender_offering_peace"`
	AttackerResistance    int  `json:"att_resistance" db:"attacker_resistance"`
	DefenderResistance    int  `json:"def_resistance" db:"defender_resistance"`
	AttackerFortified     bool `json:"att_fortify" db:"attacker_fortified"`
	DefenderFortified     bool `json:"def_fortify" db:"defender_fortified"`

	AttackerGasolineUsed  float64 `json:"att_gas_used" db:"attacker_gasoline_used"`
	DefenderGasolineUsed  float64 `json:"def_gas_used" db:"defender_gasoline_used"`
	AttackerMunitionsUsed float64 `json:"att_mun_used" db:"attacker_munitions_used"`
	DefenderMunitionsUsed float64 `json:"def_mun_used" db:"defender_munitions_used"`
	AttackerAluminumUsed  float64 `json:"att_alum_used" db:"attacker_aluminum_used"`
	DefenderAluminumUsed  float64 `json:"def_alum_used" db:"defender_aluminum_used"`
	AttackerSteelUsed     float64 `json:"att_steel_used" db:"attacker_steel_used"`
	DefenderSteelUsed     float64 `json:"def_steel_used" db:"defender_steel_used"`

	AttackerInfraDestroyed float64 `json:"att_infra_destroyed" db:"attacker_infra_destroyed"`
	DefenderInfraDestroyed float64 `json:"def_infra_destroyed" db:"defender_infra_destroyed"`
	AttackerMoneyLooted    float64 `json:"att_money_looted" db:"attacker_money_looted"`
	DefenderMoneyLooted    float64 `json:"def_money_looted" db:"defender_money_looted"`

	AttackerSoldiersLost int `json:"att_soldiers_lost" db:"attacker_soldiers_lost"`
	DefenderSoldiersLost int `json:"def_soldiers_lost" db:"defender_soldiers_lost"`
	AttackerTanksLost    int `json:"att_tanks_lost" db:"attacker_tanks_lost"`
	DefenderTanksLost    int `json:"def_tanks_lost" db:"defender_tanks_lost"`
	AttackerAircraftLost int `json:"att_aircraft_lost" db:"attacker_aircraft_lost"`
	DefenderAircraftLost int `json:"def_aircraft_lost" db:"defender_aircraft_lost"`
	AttackerShipsLost    int `json:"att_ships_lost" db:"attacker_ships_lost"`
	DefenderShipsLost    int `json:"def_ships_lost" db:"defender_ships_lost"`

	AttackerMissilesUsed int `json:"att_missiles_used" db:"attacker_missiles_used"`
	DefenderMissilesUsed int `json:"def_missiles_used" db:"defender_missiles_used"`
	AttackerNukesUsed    int `json:"att_nukes_used" db:"attacker_nukes_used"`
	DefenderNukesUsed    int `json:"def_nukes_used" db:"defender_nukes_used"`

	AttackerInfraDestroyedValue float64 `json:"att_infra_destroyed_value" db:"attacker_infra_destroyed_value"`
	DefenderInfraDestroyedValue float64 `json:"def_infra_destroyed_value" db:"defender_infra_destroyed_value"`

	AttackerID       ID     `json:"att_id" db:"attacker_id"`
	DefenderID       ID     `json:"def_id" db:"defender_id"`
	GroundControlID  NullID `json:"ground_control" db:"ground_control_id"`
	AirSuperiorityID NullID `json:"air_superiority" db:"air_superiority_id"`
	NavalBlockadeID  NullID `json:"naval_blockade" db:"naval_blockade_id"`
	WinnerID         NullID `json:"winner_id" db:"winner_id"`
}

func (w *War) Table() string   { return "war" }
func (w *War) Kind() Kind      { return KindWar }
func (w *War) RecordID() int64 { return int64(w.ID) }
func (w *War) Refs() []Ref     { return nil }

// Normalize clears the upstream's "0" sentinels on the four nullable
// war references.
func (w *War) Normalize() {
	for _, ref := range []*NullID{&w.GroundControlID, &w.AirSuperiorityID, &w.NavalBlockadeID, &w.WinnerID} {
		if ref.Valid && ref.Int64 == 0 {
			*ref = NullID{}
		}
	}
}

// Account is not a persisted entity; account events and snapshots project
// discord_id and last_active onto the matching nation row.
type Account struct {
	ID         ID       `json:"id"`
	LastActive NullTime `json:"last_active"`
	DiscordID  NullID   `json:"discord_id"`
}
